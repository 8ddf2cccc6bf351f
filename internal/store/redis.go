package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/models"
	goredis "github.com/redis/go-redis/v9"
)

// Redis key naming conventions. All keys are prefixed with "supportpipe:".
const redisKeyPrefix = "supportpipe:"

// redisCheckpointKey returns the hash key for a checkpoint: supportpipe:checkpoint:{graph}:{thread}.
// Both parts are query-escaped so a ':' inside either cannot shift the boundary.
func redisCheckpointKey(graph, threadID string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", redisKeyPrefix, url.QueryEscape(graph), url.QueryEscape(threadID))
}

// redisCheckpointIndexKey returns the Set key tracking thread IDs with a checkpoint for a graph.
func redisCheckpointIndexKey(graph string) string {
	return redisKeyPrefix + "checkpoint_idx:" + url.QueryEscape(graph)
}

// RedisStore persists checkpoints as Redis hashes. It does not implement OutboxRepo.
type RedisStore struct {
	client goredis.UniversalClient
}

// Compile-time check that RedisStore implements CheckpointStore.
var _ CheckpointStore = (*RedisStore)(nil)

// NewRedisStore connects to the Redis URL given in the options.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	redisOpts, err := goredis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := goredis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("Redis ping successful", "addr", redisOpts.Addr)
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes ownership of it.
func NewRedisStoreWithClient(client goredis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context, graph, threadID string) (*models.CheckpointRecord, error) {
	vals, err := s.client.HGetAll(ctx, redisCheckpointKey(graph, threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for thread %s: %w", threadID, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	rec, err := checkpointFromHash(vals)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for thread %s: %w", threadID, err)
	}
	return &rec, nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, rec models.CheckpointRecord) error {
	key := redisCheckpointKey(rec.Graph, rec.ThreadID)
	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", now.Format(time.RFC3339Nano))
	pipe.HSet(ctx, key,
		"thread_id", rec.ThreadID,
		"graph", rec.Graph,
		"version", rec.Version,
		"next_step", rec.Next,
		"interrupted", strconv.FormatBool(rec.Interrupted),
		"state", string(rec.State),
		"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, redisCheckpointIndexKey(rec.Graph), rec.ThreadID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore SaveCheckpoint failed", "error", err, "graph", rec.Graph, "threadID", rec.ThreadID)
		return fmt.Errorf("failed to save checkpoint for thread %s: %w", rec.ThreadID, err)
	}
	slog.Debug("RedisStore SaveCheckpoint succeeded", "threadID", rec.ThreadID, "version", rec.Version, "next", rec.Next)
	return nil
}

func (s *RedisStore) ListCheckpoints(ctx context.Context, graph string) ([]models.CheckpointRecord, error) {
	threadIDs, err := s.client.SMembers(ctx, redisCheckpointIndexKey(graph)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sort.Strings(threadIDs)

	out := make([]models.CheckpointRecord, 0, len(threadIDs))
	for _, threadID := range threadIDs {
		vals, err := s.client.HGetAll(ctx, redisCheckpointKey(graph, threadID)).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to load checkpoint for thread %s: %w", threadID, err)
		}
		if len(vals) == 0 {
			continue
		}
		rec, err := checkpointFromHash(vals)
		if err != nil {
			slog.Warn("RedisStore ListCheckpoints: skipping corrupt checkpoint", "threadID", threadID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	slog.Debug("Closing Redis client")
	return s.client.Close()
}

func checkpointFromHash(vals map[string]string) (models.CheckpointRecord, error) {
	version, err := strconv.ParseInt(vals["version"], 10, 64)
	if err != nil {
		return models.CheckpointRecord{}, fmt.Errorf("parse version: %w", err)
	}
	interrupted, _ := strconv.ParseBool(vals["interrupted"])
	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, vals["updated_at"])
	return models.CheckpointRecord{
		ThreadID:    vals["thread_id"],
		Graph:       vals["graph"],
		Version:     version,
		Next:        vals["next_step"],
		Interrupted: interrupted,
		State:       []byte(vals["state"]),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}
