package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status tells whether a pass ran to the end or stopped at an interrupt.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
)

// Result is the outcome of Invoke or Resume.
type Result[S any] struct {
	Status  Status
	State   S
	Next    string // Interrupt step the run is waiting on, empty when completed
	Version int64  // Version of the last saved checkpoint
}

// Suspended reports whether the run halted at an interrupt.
func (r Result[S]) Suspended() bool { return r.Status == StatusSuspended }

// run carries the per-call position while a pass is driven.
type run[S any] struct {
	threadID string
	state    S
	version  int64
}

// Invoke starts a fresh pass for threadID: the previous state (if any) is
// loaded, input is merged and persisted, and steps run from the start edge
// until the run completes or reaches an interrupt.
func (g *Graph[S, U]) Invoke(ctx context.Context, threadID string, input U) (Result[S], error) {
	cp, err := g.load(ctx, threadID)
	if err != nil {
		return Result[S]{}, err
	}
	r := &run[S]{threadID: threadID}
	if cp != nil {
		r.state = cp.State
		r.version = cp.Version
		if cp.Next != "" {
			slog.Debug("Graph.Invoke: discarding unfinished position", "graph", g.name, "threadID", threadID, "next", cp.Next, "interrupted", cp.Interrupted)
		}
	}
	r.state = g.reducer(r.state, input)
	if err := g.save(ctx, r, g.first, g.interrupts[g.first]); err != nil {
		return Result[S]{}, err
	}
	slog.Debug("Graph.Invoke: starting pass", "graph", g.name, "threadID", threadID, "version", r.version)
	return g.drive(ctx, r, g.first, false)
}

// Resume continues a thread suspended at an interrupt. input is merged into
// the saved state and the pending step runs without re-checking its interrupt.
func (g *Graph[S, U]) Resume(ctx context.Context, threadID string, input U) (Result[S], error) {
	cp, err := g.load(ctx, threadID)
	if err != nil {
		return Result[S]{}, err
	}
	if cp == nil || !cp.Interrupted || cp.Next == "" {
		return Result[S]{}, fmt.Errorf("%w: %s", ErrNoPendingInterrupt, threadID)
	}
	if g.nodes[cp.Next] == nil {
		return Result[S]{}, &RoutingError{From: "checkpoint", To: cp.Next, Reason: "unknown step"}
	}
	r := &run[S]{threadID: threadID, state: g.reducer(cp.State, input), version: cp.Version}
	// The position is still the interrupt until the pending step completes.
	if err := g.save(ctx, r, cp.Next, true); err != nil {
		return Result[S]{}, err
	}
	slog.Debug("Graph.Resume: resuming", "graph", g.name, "threadID", threadID, "step", cp.Next, "version", r.version)
	return g.drive(ctx, r, cp.Next, true)
}

// State returns the thread's current checkpoint, or nil when it has none.
func (g *Graph[S, U]) State(ctx context.Context, threadID string) (*Checkpoint[S], error) {
	return g.load(ctx, threadID)
}

func (g *Graph[S, U]) drive(ctx context.Context, r *run[S], next string, resuming bool) (Result[S], error) {
	for steps := 0; ; steps++ {
		if next == End {
			slog.Debug("Graph.drive: completed", "graph", g.name, "threadID", r.threadID, "steps", steps)
			return Result[S]{Status: StatusCompleted, State: r.state, Version: r.version}, nil
		}
		if g.interrupts[next] && !resuming {
			slog.Debug("Graph.drive: suspended", "graph", g.name, "threadID", r.threadID, "next", next)
			return Result[S]{Status: StatusSuspended, State: r.state, Next: next, Version: r.version}, nil
		}
		resuming = false
		if steps >= g.maxSteps {
			return Result[S]{}, fmt.Errorf("%w: %d steps without reaching %s or an interrupt", ErrStepLimit, g.maxSteps, End)
		}

		slog.Debug("Graph.drive: running step", "graph", g.name, "threadID", r.threadID, "step", next)
		update, err := g.nodes[next](ctx, r.state)
		if err != nil {
			return Result[S]{}, &StepError{Step: next, Err: err}
		}
		r.state = g.reducer(r.state, update)

		to, err := g.successor(next, r.state)
		if err != nil {
			return Result[S]{}, err
		}
		if err := g.save(ctx, r, to, g.interrupts[to]); err != nil {
			return Result[S]{}, err
		}
		next = to
	}
}

func (g *Graph[S, U]) successor(from string, state S) (string, error) {
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	ce, ok := g.conditional[from]
	if !ok {
		return "", &RoutingError{From: from, Reason: "no outgoing edge"}
	}
	to, err := ce.router(state)
	if err != nil {
		var re *RoutingError
		if errors.As(err, &re) {
			return "", err
		}
		return "", &RoutingError{From: from, Reason: err.Error()}
	}
	if !ce.targets[to] {
		return "", &RoutingError{From: from, To: to, Reason: "target not declared"}
	}
	return to, nil
}

func (g *Graph[S, U]) load(ctx context.Context, threadID string) (*Checkpoint[S], error) {
	cp, err := g.checkpointer.Get(ctx, g.name, threadID)
	if err != nil {
		return nil, &PersistError{ThreadID: threadID, Op: "load", Err: err}
	}
	return cp, nil
}

// save writes the run's state with next as its position. End is stored as "".
func (g *Graph[S, U]) save(ctx context.Context, r *run[S], next string, interrupted bool) error {
	stored := next
	if next == End {
		stored = ""
		interrupted = false
	}
	cp := Checkpoint[S]{
		ThreadID:    r.threadID,
		Graph:       g.name,
		Version:     r.version + 1,
		Next:        stored,
		Interrupted: interrupted,
		State:       r.state,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := g.checkpointer.Put(ctx, cp); err != nil {
		slog.Error("Graph.save: checkpoint save failed", "graph", g.name, "threadID", r.threadID, "error", err)
		return &PersistError{ThreadID: r.threadID, Op: "save", Err: err}
	}
	r.version = cp.Version
	return nil
}
