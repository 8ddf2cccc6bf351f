package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SupportPipe/internal/store"
)

// CheckpointScanner classifies every checkpoint of one graph.
type CheckpointScanner struct {
	graph string
}

// NewCheckpointScanner creates a scanner for the named graph.
func NewCheckpointScanner(graph string) *CheckpointScanner {
	return &CheckpointScanner{graph: graph}
}

// RecoverState lists the graph's checkpoints and records threads that are not at rest.
// Nothing is re-executed: an interrupted thread waits for its code and a stalled turn is
// replaced by the next fresh question.
func (c *CheckpointScanner) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	records, err := registry.GetStore().ListCheckpoints(ctx, c.graph)
	if err != nil {
		return fmt.Errorf("list checkpoints for %s: %w", c.graph, err)
	}
	for _, rec := range records {
		if rec.Next == "" {
			continue
		}
		info := ThreadInfo{Graph: rec.Graph, ThreadID: rec.ThreadID, Next: rec.Next, Version: rec.Version}
		if rec.Interrupted {
			slog.Info("CheckpointScanner.RecoverState: thread awaiting verification code", "threadID", rec.ThreadID, "next", rec.Next, "version", rec.Version)
			registry.RecordPendingChallenge(info)
			continue
		}
		slog.Warn("CheckpointScanner.RecoverState: turn stopped between steps", "threadID", rec.ThreadID, "next", rec.Next, "version", rec.Version, "updatedAt", rec.UpdatedAt)
		registry.RecordStalledTurn(info)
	}
	slog.Debug("CheckpointScanner.RecoverState: scan complete", "graph", c.graph, "checkpoints", len(records))
	return nil
}

// OutboxRecovery returns messages stuck in sending to the queue.
type OutboxRecovery struct {
	repo           store.OutboxRepo
	staleThreshold time.Duration
}

// NewOutboxRecovery creates an outbox recoverable. A non-positive threshold uses
// store.DefaultOutboxStaleThreshold.
func NewOutboxRecovery(repo store.OutboxRepo, staleThreshold time.Duration) *OutboxRecovery {
	if staleThreshold <= 0 {
		staleThreshold = store.DefaultOutboxStaleThreshold
	}
	return &OutboxRecovery{repo: repo, staleThreshold: staleThreshold}
}

func (o *OutboxRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	n, err := o.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-o.staleThreshold))
	if err != nil {
		return fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	if n > 0 {
		slog.Info("OutboxRecovery.RecoverState: requeued stale messages", "count", n)
	}
	registry.RecordRequeued(n)
	return nil
}
