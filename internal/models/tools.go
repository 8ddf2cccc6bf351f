package models

import "encoding/json"

// ToolCall is the requested-action descriptor carried by an assistant transcript entry.
type ToolCall struct {
	ID        string          `json:"id"`        // Tool call ID from the decision-maker
	Name      string          `json:"name"`      // Action name (e.g., "refund_purchase")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}
