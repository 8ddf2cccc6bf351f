package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SupportPipe/internal/store"
	"github.com/BTreeMap/SupportPipe/internal/twiliosms"
)

// codePayload is the outbox payload of a verification code message.
type codePayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// OutboxNotifier queues code messages in the durable outbox. A store.OutboxSender
// using DeliverOutboxSMS performs the actual send.
type OutboxNotifier struct {
	repo        store.OutboxRepo
	destination string
}

// NewOutboxNotifier validates destination and returns a notifier enqueuing into repo.
func NewOutboxNotifier(repo store.OutboxRepo, destination string) (*OutboxNotifier, error) {
	if repo == nil {
		return nil, fmt.Errorf("outbox repo is required")
	}
	canonical, err := ValidateAndCanonicalizePhone(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	return &OutboxNotifier{repo: repo, destination: canonical}, nil
}

func (n *OutboxNotifier) NotifyCode(ctx context.Context, threadID, code string) error {
	payload, err := json.Marshal(codePayload{To: n.destination, Body: FormatCodeMessage(code)})
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	dedupeKey := fmt.Sprintf("%s:%s:%s", store.OutboxKindVerificationCode, threadID, code)
	id, err := n.repo.EnqueueOutboxMessage(ctx, threadID, store.OutboxKindVerificationCode, string(payload), dedupeKey)
	if err != nil {
		return fmt.Errorf("enqueue verification code: %w", err)
	}
	slog.Debug("OutboxNotifier.NotifyCode: queued", "threadID", threadID, "outboxID", id)
	return nil
}

// DeliverOutboxSMS returns the send function for a store.OutboxSender that texts
// queued verification codes through sender.
func DeliverOutboxSMS(sender twiliosms.Sender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindVerificationCode {
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
		var p codePayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decode outbox payload: %w", err)
		}
		return sender.SendSMS(ctx, p.To, p.Body)
	}
}
