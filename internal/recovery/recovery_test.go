package recovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/BTreeMap/SupportPipe/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	name          string
	recoverError  error
	recoverCalled bool
	record        func(*RecoveryRegistry)
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.recoverCalled = true
	if m.record != nil {
		m.record(registry)
	}
	return m.recoverError
}

func TestNewRecoveryRegistry(t *testing.T) {
	st := store.NewInMemoryStore()

	registry := NewRecoveryRegistry(st)

	if registry == nil {
		t.Fatal("NewRecoveryRegistry returned nil")
	}

	if registry.GetStore() != st {
		t.Error("Registry store does not match provided store")
	}
}

func TestRecoveryRegistry_ReportIsCopy(t *testing.T) {
	registry := NewRecoveryRegistry(store.NewInMemoryStore())
	registry.RecordPendingChallenge(ThreadInfo{ThreadID: "a"})

	report := registry.Report()
	report.PendingChallenges[0].ThreadID = "mutated"

	if got := registry.Report().PendingChallenges[0].ThreadID; got != "a" {
		t.Errorf("Report should not alias registry state, got %q", got)
	}
}

func TestNewRecoveryManager(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())

	if manager == nil {
		t.Fatal("NewRecoveryManager returned nil")
	}

	if manager.GetRegistry() == nil {
		t.Error("RecoveryManager registry is nil")
	}
}

func TestRecoveryManager_RecoverAll_Success(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())

	mock1 := &mockRecoverable{name: "mock1", record: func(r *RecoveryRegistry) { r.RecordRequeued(2) }}
	mock2 := &mockRecoverable{name: "mock2", record: func(r *RecoveryRegistry) { r.RecordStalledTurn(ThreadInfo{ThreadID: "t"}) }}

	manager.RegisterRecoverable(mock1)
	manager.RegisterRecoverable(mock2)

	report, err := manager.RecoverAll(context.Background())

	if err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}

	if !mock1.recoverCalled {
		t.Error("mock1 RecoverState was not called")
	}

	if !mock2.recoverCalled {
		t.Error("mock2 RecoverState was not called")
	}

	if report.RequeuedOutbox != 2 || len(report.StalledTurns) != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestRecoveryManager_RecoverAll_WithErrors(t *testing.T) {
	manager := NewRecoveryManager(store.NewInMemoryStore())

	mock1 := &mockRecoverable{name: "mock1", recoverError: fmt.Errorf("recovery failed")}
	mock2 := &mockRecoverable{name: "mock2"}

	manager.RegisterRecoverable(mock1)
	manager.RegisterRecoverable(mock2)

	_, err := manager.RecoverAll(context.Background())

	if err == nil {
		t.Error("Expected error from RecoverAll when components fail")
	}

	if !mock1.recoverCalled || !mock2.recoverCalled {
		t.Error("All recoverables should be called despite errors")
	}
}
