package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPendingInterrupt is returned by Resume when the thread is not suspended at an interrupt.
	ErrNoPendingInterrupt = errors.New("no pending interrupt for thread")

	// ErrRouting is wrapped by every RoutingError.
	ErrRouting = errors.New("routing error")

	// ErrStepLimit is returned when a single pass runs more steps than allowed.
	ErrStepLimit = errors.New("step limit exceeded")

	// ErrInvalidGraph is wrapped by Compile validation failures.
	ErrInvalidGraph = errors.New("invalid graph")
)

// RoutingError reports a transition the graph cannot take: a router returned
// an undeclared target, or a step asked for something that does not exist.
type RoutingError struct {
	From   string // Step the transition started from
	To     string // Requested target, if any
	Reason string
}

func (e *RoutingError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("routing from %q: %s", e.From, e.Reason)
	}
	return fmt.Sprintf("routing from %q to %q: %s", e.From, e.To, e.Reason)
}

func (e *RoutingError) Unwrap() error { return ErrRouting }

// StepError wraps an error returned by a step function.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PersistError wraps a checkpoint load or save failure. It is always fatal for the run.
type PersistError struct {
	ThreadID string
	Op       string // "load" or "save"
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("checkpoint %s for thread %s failed: %v", e.Op, e.ThreadID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
