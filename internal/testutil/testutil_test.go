package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
)

type mockTestingT struct {
	failed bool
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	_ = fmt.Sprintf(format, args...)
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v", mockT.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertBody(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString("hello\n")

	mockT := &mockTestingT{}
	AssertBody(mockT, rr, "hello")
	if mockT.failed {
		t.Error("expected matching body to pass")
	}
	AssertBody(mockT, rr, "bye")
	if !mockT.failed {
		t.Error("expected different body to fail")
	}
}

func TestScriptedDecisionMaker(t *testing.T) {
	d := NewScriptedDecisionMaker(Reply("one"))
	d.Push(Action("order_lookup", `{}`))
	ctx := context.Background()

	m, err := d.Propose(ctx, nil)
	if err != nil || m.Content != "one" {
		t.Fatalf("unexpected first reply: %+v %v", m, err)
	}
	m, err = d.Propose(ctx, nil)
	if err != nil || !m.HasToolCall() || m.ToolCall.Name != "order_lookup" {
		t.Fatalf("unexpected second reply: %+v %v", m, err)
	}
	if _, err := d.Propose(ctx, nil); err == nil {
		t.Error("expected exhausted script to fail")
	}
	if d.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", d.Calls())
	}
}

func TestRecordingNotifier(t *testing.T) {
	n := &RecordingNotifier{}
	if n.LastCode() != "" {
		t.Error("expected no code")
	}
	n.NotifyCode(context.Background(), "t", "1111")
	n.Err = errors.New("down")
	if err := n.NotifyCode(context.Background(), "t", "2222"); err == nil {
		t.Error("expected configured error")
	}
	if n.LastCode() != "2222" || n.Count() != 2 {
		t.Errorf("unexpected record: %+v", n.Codes)
	}
}

func TestSequenceCodes(t *testing.T) {
	gen := SequenceCodes("1234", "5678")
	for _, want := range []string{"1234", "5678"} {
		got, err := gen()
		if err != nil || got != want {
			t.Fatalf("got %q %v, want %q", got, err, want)
		}
	}
	if _, err := gen(); err == nil {
		t.Error("expected error after sequence ends")
	}
}
