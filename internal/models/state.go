// Package models defines state management structures for SupportPipe workflows.
package models

import (
	"encoding/json"
	"time"
)

// AuthState is the step-up authentication phase of a conversation.
type AuthState string

const (
	// AuthStateNone is the zero value: no challenge in progress.
	AuthStateNone AuthState = ""
	// AuthStateAuthorizing means a code was issued and the conversation waits for it.
	AuthStateAuthorizing AuthState = "authorizing"
	// AuthStateAuthed means the last supplied code matched.
	AuthStateAuthed AuthState = "authed"
)

// String renders the none state explicitly for logs.
func (s AuthState) String() string {
	if s == AuthStateNone {
		return "none"
	}
	return string(s)
}

// ConversationState is the value persisted for every conversation thread.
type ConversationState struct {
	Messages         []Message `json:"messages"`
	AuthState        AuthState `json:"auth_state,omitempty"`
	GeneratedCode    string    `json:"generated_two_factor_code,omitempty"`
	ProvidedCode     string    `json:"provided_two_factor_code,omitempty"`
	AuthFailureCount int       `json:"authorization_failure_count"`
}

// LastMessage returns the most recent transcript entry, if any.
func (s ConversationState) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// PendingToolCall returns the action requested by the latest transcript entry.
// Only the last entry is consulted: at most one action request is pending at a time.
func (s ConversationState) PendingToolCall() (*ToolCall, bool) {
	last, ok := s.LastMessage()
	if !ok || last.Role != RoleAssistant || !last.HasToolCall() {
		return nil, false
	}
	return last.ToolCall, true
}

// CheckpointRecord is the durable snapshot row written after every workflow step.
type CheckpointRecord struct {
	ThreadID    string          `json:"thread_id"`
	Graph       string          `json:"graph"`       // Workflow name; namespaces checkpoints per graph
	Version     int64           `json:"version"`     // Incremented on every save
	Next        string          `json:"next"`        // Step to run next, empty once the run completed
	Interrupted bool            `json:"interrupted"` // Next is an interrupt step awaiting external input
	State       json.RawMessage `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
