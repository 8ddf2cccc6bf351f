package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SupportPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists checkpoints and outbox messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements CheckpointStore.
var _ CheckpointStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, graph, threadID string) (*models.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE graph = $1 AND thread_id = $2`,
		graph, threadID,
	)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadCheckpoint failed", "error", err, "graph", graph, "threadID", threadID)
		return nil, fmt.Errorf("failed to load checkpoint for thread %s: %w", threadID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, rec models.CheckpointRecord) error {
	now := time.Now()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, graph, version, next_step, interrupted, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (thread_id, graph) DO UPDATE SET
		   version = EXCLUDED.version,
		   next_step = EXCLUDED.next_step,
		   interrupted = EXCLUDED.interrupted,
		   state = EXCLUDED.state,
		   updated_at = EXCLUDED.updated_at`,
		rec.ThreadID, rec.Graph, rec.Version, nilIfEmpty(rec.Next), rec.Interrupted, string(rec.State), now, rec.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveCheckpoint failed", "error", err, "graph", rec.Graph, "threadID", rec.ThreadID)
		return fmt.Errorf("failed to save checkpoint for thread %s: %w", rec.ThreadID, err)
	}
	slog.Debug("PostgresStore SaveCheckpoint succeeded", "threadID", rec.ThreadID, "version", rec.Version, "next", rec.Next)
	return nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, graph string) ([]models.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE graph = $1 ORDER BY thread_id`,
		graph,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoint rows: %w", err)
	}
	return out, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
