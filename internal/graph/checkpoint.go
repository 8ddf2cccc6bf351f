package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/models"
	"github.com/BTreeMap/SupportPipe/internal/store"
)

// Checkpoint is the persisted position of one thread in one graph.
type Checkpoint[S any] struct {
	ThreadID    string
	Graph       string
	Version     int64
	Next        string // Empty once the run completed
	Interrupted bool   // The run halted before Next and waits for Resume
	State       S
	UpdatedAt   time.Time
}

// Checkpointer loads and saves checkpoints for a graph.
type Checkpointer[S any] interface {
	// Get returns the checkpoint for the thread, or nil when none exists.
	Get(ctx context.Context, graph, threadID string) (*Checkpoint[S], error)
	Put(ctx context.Context, cp Checkpoint[S]) error
}

// StoreCheckpointer adapts a store.CheckpointStore by encoding state as JSON.
type StoreCheckpointer[S any] struct {
	store store.CheckpointStore
}

// NewStoreCheckpointer creates a Checkpointer backed by s.
func NewStoreCheckpointer[S any](s store.CheckpointStore) *StoreCheckpointer[S] {
	return &StoreCheckpointer[S]{store: s}
}

func (c *StoreCheckpointer[S]) Get(ctx context.Context, graph, threadID string) (*Checkpoint[S], error) {
	rec, err := c.store.LoadCheckpoint(ctx, graph, threadID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	var state S
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &state); err != nil {
			return nil, fmt.Errorf("decode checkpoint state: %w", err)
		}
	}
	return &Checkpoint[S]{
		ThreadID:    rec.ThreadID,
		Graph:       rec.Graph,
		Version:     rec.Version,
		Next:        rec.Next,
		Interrupted: rec.Interrupted,
		State:       state,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func (c *StoreCheckpointer[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
	data, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	return c.store.SaveCheckpoint(ctx, models.CheckpointRecord{
		ThreadID:    cp.ThreadID,
		Graph:       cp.Graph,
		Version:     cp.Version,
		Next:        cp.Next,
		Interrupted: cp.Interrupted,
		State:       data,
		UpdatedAt:   cp.UpdatedAt,
	})
}
