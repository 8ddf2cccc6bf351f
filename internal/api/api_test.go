package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/flow"
	"github.com/BTreeMap/SupportPipe/internal/graph"
	"github.com/BTreeMap/SupportPipe/internal/messaging"
	"github.com/BTreeMap/SupportPipe/internal/models"
	"github.com/BTreeMap/SupportPipe/internal/store"
	"github.com/BTreeMap/SupportPipe/internal/testutil"
	"github.com/BTreeMap/SupportPipe/internal/tools"
	"github.com/BTreeMap/SupportPipe/internal/twiliosms"
)

const refundArgs = `{"langcorp_order_id":"123456","purchaser_name":"Ada"}`

func challenge(failures string) string {
	return "To confirm it's really you, we've texted you a code.\n\n" +
		"Please re-enter the code here once you receive it.\n\n" +
		"You've had " + failures + " failed attempts."
}

type testServer struct {
	handler  http.Handler
	decider  *testutil.ScriptedDecisionMaker
	notifier *testutil.RecordingNotifier
}

func newTestServer(t *testing.T, codes ...string) *testServer {
	t.Helper()
	ts := &testServer{
		decider:  testutil.NewScriptedDecisionMaker(),
		notifier: &testutil.RecordingNotifier{},
	}
	sf, err := flow.NewSupportFlow(ts.decider, tools.DefaultRegistry(), ts.notifier, flow.WithCodeGenerator(testutil.SequenceCodes(codes...)))
	if err != nil {
		t.Fatalf("NewSupportFlow: %v", err)
	}
	g, err := sf.Compile(graph.NewStoreCheckpointer[models.ConversationState](store.NewInMemoryStore()))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ctrl, err := flow.NewController(g)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	ts.handler = NewServer(ctrl).Handler()
	return ts
}

func (ts *testServer) get(path string, params url.Values) *httptest.ResponseRecorder {
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestConversationHandler_RefundChallenge(t *testing.T) {
	ts := newTestServer(t, "1234", "5678")
	ts.decider.Push(testutil.Action(tools.RefundPurchase, refundArgs))

	rr := ts.get("/", url.Values{"thread_id": {"abc"}, "question": {"I want a refund"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "refund request")
	testutil.AssertBody(t, rr, challenge("0"))
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}

	rr = ts.get("/", url.Values{"thread_id": {"abc"}, "two_factor_code": {"9999"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "wrong code")
	testutil.AssertBody(t, rr, challenge("1"))

	ts.decider.Push(testutil.Reply("Refund successfully processed!"))
	rr = ts.get("/", url.Values{"thread_id": {"abc"}, "two_factor_code": {ts.notifier.LastCode()}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "correct code")
	testutil.AssertBody(t, rr, "Refund successfully processed!")

	// A replayed code finds nothing to resume.
	rr = ts.get("/", url.Values{"thread_id": {"abc"}, "two_factor_code": {"5678"}})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "replayed code")
}

func TestConversationHandler_ReadOnlyQuestion(t *testing.T) {
	ts := newTestServer(t)
	ts.decider.Push(
		testutil.Action(tools.TechnicalSupportManual, `{"product":"LangCorp Laptop","problem":"broken"}`),
		testutil.Reply("You should try turning it off and then on again."),
	)

	rr := ts.get("/", url.Values{"thread_id": {"xyz"}, "question": {"What's broken with my laptop?"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "laptop question")
	testutil.AssertBody(t, rr, "You should try turning it off and then on again.")
	if ts.notifier.Count() != 0 {
		t.Errorf("read-only action must not issue a code, got %d", ts.notifier.Count())
	}
}

func TestConversationHandler_RequestErrors(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		params url.Values
		body   string
	}{
		{"missing thread", url.Values{"question": {"hi"}}, flow.ErrMissingThreadID.Error()},
		{"missing question", url.Values{"thread_id": {"t"}}, flow.ErrMissingQuestion.Error()},
		{"empty code", url.Values{"thread_id": {"t"}, "two_factor_code": {""}}, flow.ErrMissingCode.Error()},
		{"nothing to resume", url.Values{"thread_id": {"t"}, "two_factor_code": {"1234"}}, graph.ErrNoPendingInterrupt.Error() + ": t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.get("/", tt.params)
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			testutil.AssertBody(t, rr, tt.body)
		})
	}
	if ts.decider.Calls() != 0 {
		t.Errorf("request errors must not reach the decision-maker, got %d calls", ts.decider.Calls())
	}
}

func TestConversationHandler_InternalErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.decider.Push(testutil.Action("launch_rocket", `{}`))

	rr := ts.get("/", url.Values{"thread_id": {"t"}, "question": {"go"}})
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "unknown action")

	ts.decider.Err = errors.New("model down")
	rr = ts.get("/", url.Values{"thread_id": {"t"}, "question": {"again"}})
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "decision-maker failure")
}

func TestConversationHandler_Routing(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.get("/favicon.ico", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "non-root path")
	testutil.AssertBody(t, rr, "Not Found")

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST /")
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Errorf("expected Allow: GET, got %q", rr.Header().Get("Allow"))
	}

	rr = ts.get("/healthz", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertBody(t, rr, "ok")
}

// checkpointOnly hides the outbox methods of the wrapped store.
type checkpointOnly struct {
	store.CheckpointStore
}

func TestNewNotifier(t *testing.T) {
	mem := store.NewInMemoryStore()
	sms := twiliosms.NewMockClient()
	const dest = "+1 (555) 123-4567"

	n, outbox, err := newNotifier(NotifierDirect, dest, mem, sms, 0)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if _, ok := n.(*messaging.SMSNotifier); !ok || outbox != nil {
		t.Errorf("direct: got %T, outbox %v", n, outbox)
	}

	n, outbox, err = newNotifier(NotifierOutbox, dest, mem, sms, time.Second)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if _, ok := n.(*messaging.OutboxNotifier); !ok || outbox == nil {
		t.Errorf("outbox: got %T, outbox %v", n, outbox)
	}

	n, outbox, err = newNotifier(NotifierOutbox, dest, checkpointOnly{mem}, sms, time.Second)
	if err != nil {
		t.Fatalf("outbox fallback: %v", err)
	}
	if _, ok := n.(*messaging.SMSNotifier); !ok || outbox != nil {
		t.Errorf("outbox without repo should send directly, got %T", n)
	}

	n, outbox, err = newNotifier(NotifierLog, dest, mem, nil, 0)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if _, ok := n.(*messaging.LogNotifier); !ok || outbox != nil {
		t.Errorf("log mode should log codes, got %T", n)
	}

	for _, mode := range []string{NotifierDirect, NotifierOutbox, ""} {
		if n, _, err := newNotifier(mode, dest, mem, nil, 0); err == nil {
			t.Errorf("mode %q without sender: expected error, got %T", mode, n)
		}
	}

	if _, _, err := newNotifier(NotifierDirect, "", mem, sms, 0); err == nil {
		t.Error("expected error for empty destination")
	}
	if _, _, err := newNotifier("pager", dest, mem, sms, 0); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestOutboxNotifierDeliversThroughSender(t *testing.T) {
	mem := store.NewInMemoryStore()
	sms := twiliosms.NewMockClient()

	n, outbox, err := newNotifier(NotifierOutbox, "+15551234567", mem, sms, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("newNotifier: %v", err)
	}
	if err := n.NotifyCode(context.Background(), "abc", "4321"); err != nil {
		t.Fatalf("NotifyCode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(sms.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := sms.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 SMS, got %d", len(sent))
	}
	if sent[0].To != "+15551234567" || sent[0].Body != messaging.FormatCodeMessage("4321") {
		t.Errorf("unexpected SMS %+v", sent[0])
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
