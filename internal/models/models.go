// Package models defines the core data structures for SupportPipe.
//
// It includes the conversation transcript, the step-up authentication state and the
// persisted checkpoint record, which are shared across modules.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	// RoleUser marks an utterance from the human requester.
	RoleUser Role = "user"
	// RoleAssistant marks a decision-maker reply or action request.
	RoleAssistant Role = "assistant"
	// RoleTool marks the textual result of an executed action.
	RoleTool Role = "tool"
)

// Message is a single transcript entry. ID is stable for the lifetime of the entry and is
// what the transcript merge uses to decide between replace and append.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`    // set on assistant entries that request an action
	ToolCallID string    `json:"tool_call_id,omitempty"` // set on tool entries, answers ToolCall.ID
	CreatedAt  time.Time `json:"created_at"`
}

// NewUserMessage creates a user transcript entry with a fresh ID.
func NewUserMessage(content string) Message {
	return Message{ID: uuid.NewString(), Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

// NewAssistantMessage creates an assistant transcript entry. call may be nil.
func NewAssistantMessage(content string, call *ToolCall) Message {
	return Message{ID: uuid.NewString(), Role: RoleAssistant, Content: content, ToolCall: call, CreatedAt: time.Now()}
}

// NewToolMessage creates a tool result entry answering the given tool call.
func NewToolMessage(toolCallID, content string) Message {
	return Message{ID: uuid.NewString(), Role: RoleTool, Content: content, ToolCallID: toolCallID, CreatedAt: time.Now()}
}

// HasToolCall reports whether the entry requests an action.
func (m Message) HasToolCall() bool {
	return m.ToolCall != nil && m.ToolCall.Name != ""
}
