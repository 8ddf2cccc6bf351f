// Package testutil provides common test doubles and helpers for SupportPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/BTreeMap/SupportPipe/internal/models"
	"github.com/google/uuid"
)

// TestingT is the subset of *testing.T the assertion helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertBody checks the trimmed response body.
func AssertBody(t TestingT, rr *httptest.ResponseRecorder, expected string) {
	t.Helper()
	if got := strings.TrimSpace(rr.Body.String()); got != expected {
		t.Errorf("expected body %q, got %q", expected, got)
	}
}

// Reply builds an assistant entry without an action request.
func Reply(content string) models.Message {
	return models.NewAssistantMessage(content, nil)
}

// Action builds an assistant entry requesting the named action with JSON args.
func Action(name, args string) models.Message {
	return models.NewAssistantMessage("", &models.ToolCall{
		ID:        "call_" + uuid.NewString()[:8],
		Name:      name,
		Arguments: json.RawMessage(args),
	})
}

// ScriptedDecisionMaker answers Propose calls from a fixed script, in order.
type ScriptedDecisionMaker struct {
	mu          sync.Mutex
	script      []models.Message
	Transcripts [][]models.Message // transcript seen by each call
	Err         error              // returned instead of the next entry when set
}

// NewScriptedDecisionMaker creates a decision-maker returning replies in order.
func NewScriptedDecisionMaker(replies ...models.Message) *ScriptedDecisionMaker {
	return &ScriptedDecisionMaker{script: replies}
}

// Push appends more replies to the script.
func (d *ScriptedDecisionMaker) Push(replies ...models.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, replies...)
}

func (d *ScriptedDecisionMaker) Propose(ctx context.Context, transcript []models.Message) (models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Transcripts = append(d.Transcripts, append([]models.Message(nil), transcript...))
	if d.Err != nil {
		return models.Message{}, d.Err
	}
	if len(d.script) == 0 {
		return models.Message{}, fmt.Errorf("scripted decision-maker exhausted after %d calls", len(d.Transcripts)-1)
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next, nil
}

// Calls returns how many times Propose was called.
func (d *ScriptedDecisionMaker) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Transcripts)
}

// IssuedCode is one code seen by RecordingNotifier.
type IssuedCode struct {
	ThreadID string
	Code     string
}

// RecordingNotifier records issued codes. Err, when set, is returned after recording.
type RecordingNotifier struct {
	mu    sync.Mutex
	Codes []IssuedCode
	Err   error
}

func (n *RecordingNotifier) NotifyCode(ctx context.Context, threadID, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Codes = append(n.Codes, IssuedCode{ThreadID: threadID, Code: code})
	return n.Err
}

// LastCode returns the most recently issued code, or "".
func (n *RecordingNotifier) LastCode() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Codes) == 0 {
		return ""
	}
	return n.Codes[len(n.Codes)-1].Code
}

// Count returns the number of codes issued.
func (n *RecordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Codes)
}

// SequenceCodes returns a code generator yielding codes in order, then failing.
func SequenceCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return "", fmt.Errorf("no more codes")
		}
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
}
