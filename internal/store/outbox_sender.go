package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc performs the actual delivery of one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

const (
	// DefaultOutboxPollInterval is used when NewOutboxSender receives a non-positive interval.
	DefaultOutboxPollInterval = 5 * time.Second
	// DefaultOutboxStaleThreshold is how long a message may stay in sending before it is requeued.
	DefaultOutboxStaleThreshold = 5 * time.Minute
	// maxOutboxBackoff caps the retry delay.
	maxOutboxBackoff = 10 * time.Minute
)

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     10,
	}
}

// RecoverStaleMessages requeues messages stuck in sending after a crash.
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx, time.Now())
		}
	}
}

// retryBackoff doubles from 10s per prior attempt, capped at maxOutboxBackoff.
func retryBackoff(attempts int) time.Duration {
	if attempts > 6 {
		return maxOutboxBackoff
	}
	backoff := time.Duration(10*(1<<attempts)) * time.Second
	if backoff > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return backoff
}

func (s *OutboxSender) poll(ctx context.Context, now time.Time) {
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "threadID", msg.ThreadID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.poll: send failed", "id", msg.ID, "attempts", msg.Attempts, "error", err)
			nextAttempt := now.Add(retryBackoff(msg.Attempts))
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "threadID", msg.ThreadID)
	}
}
