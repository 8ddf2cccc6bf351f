// Package store provides storage backends for SupportPipe.
//
// It includes an in-memory store and persistent SQLite, PostgreSQL and Redis stores for
// workflow checkpoints, plus a durable outbox for outgoing verification codes.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/models"
	"github.com/BTreeMap/SupportPipe/internal/util"
)

// CheckpointStore is durable keyed storage for workflow checkpoints.
// Implementations must provide read-after-write consistency per (graph, thread) key.
type CheckpointStore interface {
	// LoadCheckpoint returns the checkpoint for the key, or nil when none was saved.
	LoadCheckpoint(ctx context.Context, graph, threadID string) (*models.CheckpointRecord, error)

	// SaveCheckpoint inserts or replaces the checkpoint for rec's key.
	SaveCheckpoint(ctx context.Context, rec models.CheckpointRecord) error

	// ListCheckpoints returns every checkpoint saved for a graph.
	ListCheckpoints(ctx context.Context, graph string) ([]models.CheckpointRecord, error)

	// Close releases the underlying connection.
	Close() error
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN    string // Data source name: file path, postgres:// DSN or redis:// URL
	Driver string // "sqlite3", "postgres" or "redis"
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithRedisURL configures a Redis connection URL.
func WithRedisURL(url string) Option {
	return func(o *Opts) {
		o.DSN = url
		o.Driver = "redis"
	}
}

// DetectDSNType classifies a DSN as "postgres", "redis" or "sqlite3".
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return "postgres"
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return "redis"
	default:
		return "sqlite3"
	}
}

// New opens the store selected by the options. Without a DSN an in-memory store is returned.
func New(opts ...Option) (CheckpointStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.New: opening store", "driver", driver)
	switch driver {
	case "postgres":
		return NewPostgresStore(opts...)
	case "redis":
		return NewRedisStore(opts...)
	case "sqlite3":
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// InMemoryStore keeps checkpoints and outbox messages in process memory.
// Writes are serialized by a single mutex.
type InMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]models.CheckpointRecord
	outbox      map[string]*OutboxMessage
}

// Compile-time checks that InMemoryStore implements the store interfaces.
var (
	_ CheckpointStore = (*InMemoryStore)(nil)
	_ OutboxRepo      = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		checkpoints: make(map[string]models.CheckpointRecord),
		outbox:      make(map[string]*OutboxMessage),
	}
}

func checkpointKey(graph, threadID string) string {
	return graph + "\x00" + threadID
}

// LoadCheckpoint returns a copy of the stored checkpoint.
func (s *InMemoryStore) LoadCheckpoint(ctx context.Context, graph, threadID string) (*models.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.checkpoints[checkpointKey(graph, threadID)]
	if !ok {
		return nil, nil
	}
	rec.State = append([]byte(nil), rec.State...)
	return &rec, nil
}

// SaveCheckpoint stores a copy of rec, preserving the original creation time.
func (s *InMemoryStore) SaveCheckpoint(ctx context.Context, rec models.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey(rec.Graph, rec.ThreadID)
	if existing, ok := s.checkpoints[key]; ok && !existing.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.State = append([]byte(nil), rec.State...)
	s.checkpoints[key] = rec
	return nil
}

// ListCheckpoints returns the graph's checkpoints ordered by thread ID.
func (s *InMemoryStore) ListCheckpoints(ctx context.Context, graph string) ([]models.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CheckpointRecord
	for _, rec := range s.checkpoints {
		if rec.Graph == graph {
			rec.State = append([]byte(nil), rec.State...)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// EnqueueOutboxMessage queues a message, honoring dedupe keys of non-terminal messages.
func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, threadID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		ThreadID:    threadID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

// ClaimDueOutboxMessages marks up to limit due queued messages as sending.
func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

// MarkOutboxMessageSent marks a message as delivered.
func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusSent
	m.UpdatedAt = time.Now()
	return nil
}

// FailOutboxMessage requeues a message for a later attempt.
func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusQueued
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	return nil
}

// RequeueStaleSendingMessages resets messages stuck in sending since before staleBefore.
func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of all outbox messages (for tests and diagnostics).
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
