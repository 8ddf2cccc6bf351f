// Package recovery runs startup recovery for SupportPipe so that a restart
// leaves every conversation thread and queued verification text in a known state.
// Components register a Recoverable and the RecoveryManager runs them in order.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/SupportPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// ThreadInfo describes a conversation thread found in a non-final position.
type ThreadInfo struct {
	Graph    string
	ThreadID string
	Next     string
	Version  int64
}

// Report summarizes what recovery found.
type Report struct {
	// PendingChallenges are threads waiting for a verification code. They resume normally.
	PendingChallenges []ThreadInfo
	// StalledTurns are threads whose last turn stopped between steps. The next fresh
	// question restarts them from the first step.
	StalledTurns []ThreadInfo
	// RequeuedOutbox counts outbox messages moved from sending back to queued.
	RequeuedOutbox int
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store store.CheckpointStore

	mu     sync.Mutex
	report Report
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(st store.CheckpointStore) *RecoveryRegistry {
	return &RecoveryRegistry{store: st}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.CheckpointStore {
	return r.store
}

// RecordPendingChallenge notes a thread suspended at an interrupt.
func (r *RecoveryRegistry) RecordPendingChallenge(info ThreadInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.PendingChallenges = append(r.report.PendingChallenges, info)
}

// RecordStalledTurn notes a thread that stopped between steps.
func (r *RecoveryRegistry) RecordStalledTurn(info ThreadInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.StalledTurns = append(r.report.StalledTurns, info)
}

// RecordRequeued adds n to the requeued outbox count.
func (r *RecoveryRegistry) RecordRequeued(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.RequeuedOutbox += n
}

// Report returns a copy of what has been recorded so far.
func (r *RecoveryRegistry) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.report
	out.PendingChallenges = append([]ThreadInfo(nil), r.report.PendingChallenges...)
	out.StalledTurns = append([]ThreadInfo(nil), r.report.StalledTurns...)
	return out
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.CheckpointStore) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. A failing component
// does not stop the others; the returned error counts the failures.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) (Report, error) {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	report := rm.registry.Report()
	slog.Info("RecoveryManager.RecoverAll: recovery completed",
		"recovered", recoveredCount,
		"errors", errorCount,
		"pendingChallenges", len(report.PendingChallenges),
		"stalledTurns", len(report.StalledTurns),
		"requeuedOutbox", report.RequeuedOutbox)

	if errorCount > 0 {
		return report, fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return report, nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
