package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/models"
)

func testCheckpointStore(t *testing.T, s CheckpointStore) {
	t.Helper()
	ctx := context.Background()
	graph := "test_graph_" + time.Now().Format("150405.000000000")

	rec, err := s.LoadCheckpoint(ctx, graph, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil checkpoint for unknown thread, got %+v", rec)
	}

	first := models.CheckpointRecord{
		ThreadID:    "thread-a",
		Graph:       graph,
		Version:     1,
		Next:        "support_agent",
		Interrupted: false,
		State:       json.RawMessage(`{"messages":[]}`),
	}
	if err := s.SaveCheckpoint(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second := first
	second.Version = 2
	second.Next = "confirm_authorization"
	second.Interrupted = true
	second.State = json.RawMessage(`{"auth_state":"authorizing"}`)
	if err := s.SaveCheckpoint(ctx, second); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	got, err := s.LoadCheckpoint(ctx, graph, "thread-a")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected checkpoint, got nil")
	}
	if got.Version != 2 || got.Next != "confirm_authorization" || !got.Interrupted {
		t.Errorf("checkpoint not replaced: %+v", got)
	}
	var state map[string]any
	if err := json.Unmarshal(got.State, &state); err != nil {
		t.Fatalf("stored state is not JSON: %v", err)
	}
	if state["auth_state"] != "authorizing" {
		t.Errorf("state = %v, want auth_state authorizing", state)
	}

	done := models.CheckpointRecord{ThreadID: "thread-b", Graph: graph, Version: 4, State: json.RawMessage(`{}`)}
	if err := s.SaveCheckpoint(ctx, done); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	other := models.CheckpointRecord{ThreadID: "thread-a", Graph: graph + "_other", Version: 1, State: json.RawMessage(`{}`)}
	if err := s.SaveCheckpoint(ctx, other); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	list, err := s.ListCheckpoints(ctx, graph)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 checkpoints for graph, got %d", len(list))
	}
	if list[0].ThreadID != "thread-a" || list[1].ThreadID != "thread-b" {
		t.Errorf("unexpected order: %s, %s", list[0].ThreadID, list[1].ThreadID)
	}
	if list[1].Next != "" || list[1].Interrupted {
		t.Errorf("completed checkpoint should have no next step: %+v", list[1])
	}
}

func testOutboxRepo(t *testing.T, r OutboxRepo) {
	t.Helper()
	ctx := context.Background()
	dedupe := "code:" + time.Now().Format("150405.000000000")

	id1, err := r.EnqueueOutboxMessage(ctx, "thread-1", OutboxKindVerificationCode, `{"body":"x"}`, dedupe)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	id2, err := r.EnqueueOutboxMessage(ctx, "thread-1", OutboxKindVerificationCode, `{"body":"x"}`, dedupe)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("dedupe key should return existing id: %s != %s", id1, id2)
	}

	now := time.Now().Add(time.Second)
	claimed, err := r.ClaimDueOutboxMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	var mine *OutboxMessage
	for i := range claimed {
		if claimed[i].ID == id1 {
			mine = &claimed[i]
		}
	}
	if mine == nil {
		t.Fatalf("expected message %s to be claimed", id1)
	}
	if mine.Status != OutboxStatusSending || mine.ThreadID != "thread-1" {
		t.Errorf("unexpected claimed message: %+v", mine)
	}

	again, err := r.ClaimDueOutboxMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	for _, m := range again {
		if m.ID == id1 {
			t.Error("message claimed twice")
		}
	}

	if err := r.FailOutboxMessage(ctx, id1, "boom", now.Add(time.Hour)); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	notDue, err := r.ClaimDueOutboxMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	for _, m := range notDue {
		if m.ID == id1 {
			t.Error("message claimed before its next attempt")
		}
	}

	later, err := r.ClaimDueOutboxMessages(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	found := false
	for _, m := range later {
		if m.ID == id1 {
			found = true
			if m.Attempts != 1 || m.LastError != "boom" {
				t.Errorf("retry bookkeeping wrong: %+v", m)
			}
		}
	}
	if !found {
		t.Fatal("message not claimable after its retry time")
	}

	if err := r.MarkOutboxMessageSent(ctx, id1); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	id3, err := r.EnqueueOutboxMessage(ctx, "thread-1", OutboxKindVerificationCode, `{}`, dedupe)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id3 == id1 {
		t.Error("sent messages must not satisfy dedupe")
	}
}

func TestInMemoryCheckpointStore(t *testing.T) {
	testCheckpointStore(t, NewInMemoryStore())
}

func TestInMemoryOutbox(t *testing.T) {
	testOutboxRepo(t, NewInMemoryStore())
}

func TestInMemoryLoadReturnsCopy(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.SaveCheckpoint(ctx, models.CheckpointRecord{ThreadID: "t", Graph: "g", Version: 1, State: json.RawMessage(`{"a":1}`)}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, _ := s.LoadCheckpoint(ctx, "g", "t")
	got.State[2] = 'X'
	again, _ := s.LoadCheckpoint(ctx, "g", "t")
	if string(again.State) != `{"a":1}` {
		t.Errorf("stored state mutated through returned record: %s", again.State)
	}
}

func TestInMemoryRequeueStale(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	id, _ := s.EnqueueOutboxMessage(ctx, "t", OutboxKindVerificationCode, `{}`, "")
	claimedAt := time.Now().Add(-time.Hour)
	if _, err := s.ClaimDueOutboxMessages(ctx, claimedAt, 1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued message, got %d", n)
	}
	msgs := s.OutboxMessages()
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Status != OutboxStatusQueued {
		t.Errorf("unexpected outbox contents: %+v", msgs)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "nested", "supportpipe.db")))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	defer s.Close()
	testCheckpointStore(t, s)
	testOutboxRepo(t, s)
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supportpipe.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	rec := models.CheckpointRecord{ThreadID: "t", Graph: "g", Version: 3, Next: "confirm_authorization", Interrupted: true, State: json.RawMessage(`{}`)}
	if err := s.SaveCheckpoint(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.LoadCheckpoint(ctx, "g", "t")
	if err != nil || got == nil {
		t.Fatalf("load after reopen failed: %v %v", got, err)
	}
	if got.Version != 3 || !got.Interrupted {
		t.Errorf("unexpected checkpoint after reopen: %+v", got)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	testCheckpointStore(t, pgStore)
	testOutboxRepo(t, pgStore)
}

func TestRedisStore(t *testing.T) {
	// Requires a running Redis instance; set REDIS_URL.
	url := getenvOrSkip(t, "REDIS_URL")
	rs, err := NewRedisStore(WithRedisURL(url))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rs.Close()
	testCheckpointStore(t, rs)
}

func TestRedisCheckpointKeyKeepsPartsDistinct(t *testing.T) {
	if a, b := redisCheckpointKey("a", "b:c"), redisCheckpointKey("a:b", "c"); a == b {
		t.Errorf("keys collide: %q", a)
	}
	if a, b := redisCheckpointIndexKey("a"), redisCheckpointIndexKey("a:b"); a == b {
		t.Errorf("index keys collide: %q", a)
	}
	if got, want := redisCheckpointKey("support", "thread-1"), "supportpipe:checkpoint:support:thread-1"; got != want {
		t.Errorf("redisCheckpointKey = %q, want %q", got, want)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user@localhost/db", "postgres"},
		{"postgresql://user@localhost/db", "postgres"},
		{"host=localhost user=app dbname=app", "postgres"},
		{"redis://localhost:6379/0", "redis"},
		{"rediss://cache:6380", "redis"},
		{"/var/lib/supportpipe/state.db", "sqlite3"},
		{"state.db", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestNewWithoutDSNUsesMemory(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}

func TestNewSelectsSQLite(t *testing.T) {
	s, err := New(WithSQLiteDSN(filepath.Join(t.TempDir(), "x.db")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected *SQLiteStore, got %T", s)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
