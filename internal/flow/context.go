package flow

import "context"

type threadIDKey struct{}

// WithThreadID attaches the conversation identity to ctx for steps and notifiers.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, threadID)
}

// ThreadIDFromContext returns the thread ID set by WithThreadID, or "".
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey{}).(string)
	return id
}
