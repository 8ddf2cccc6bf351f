// Package flow implements the customer support workflow: the decision-maker
// loop, action dispatch, and the step-up verification challenge that guards
// privileged actions.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SupportPipe/internal/graph"
	"github.com/BTreeMap/SupportPipe/internal/messaging"
	"github.com/BTreeMap/SupportPipe/internal/models"
	"github.com/BTreeMap/SupportPipe/internal/tools"
	"github.com/BTreeMap/SupportPipe/internal/util"
)

// GraphName namespaces the support workflow's checkpoints.
const GraphName = "customer_support"

// Step names of the support workflow.
const (
	StepSupportAgent         = "support_agent"
	StepRequestAuthorization = "request_authorization"
	StepConfirmAuthorization = "confirm_authorization"
	StepInvokeReadOnlyTool   = "invoke_readonly_tool"
	StepInvokePrivilegedTool = "invoke_privileged_tool"
)

// codeDigits is the length of issued verification codes (1000..9999).
const codeDigits = 4

// SupportGraph is the compiled support workflow.
type SupportGraph = graph.Graph[models.ConversationState, Update]

// SupportFlow holds the collaborators the workflow steps call.
type SupportFlow struct {
	decider  DecisionMaker
	registry *tools.Registry
	notifier messaging.Notifier
	newCode  func() (string, error)
}

// FlowOption configures a SupportFlow.
type FlowOption func(*SupportFlow)

// WithCodeGenerator replaces the crypto/rand code source. Used by tests.
func WithCodeGenerator(gen func() (string, error)) FlowOption {
	return func(f *SupportFlow) { f.newCode = gen }
}

// NewSupportFlow creates the workflow steps around the given collaborators.
func NewSupportFlow(decider DecisionMaker, registry *tools.Registry, notifier messaging.Notifier, opts ...FlowOption) (*SupportFlow, error) {
	if decider == nil || registry == nil || notifier == nil {
		return nil, fmt.Errorf("decision-maker, registry and notifier are required")
	}
	f := &SupportFlow{
		decider:  decider,
		registry: registry,
		notifier: notifier,
		newCode:  func() (string, error) { return util.GenerateNumericCode(codeDigits) },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Compile builds the support graph bound to cp:
//
//	start -> support_agent
//	support_agent -> end | request_authorization | invoke_readonly_tool
//	invoke_readonly_tool -> support_agent
//	request_authorization -> [interrupt] confirm_authorization
//	confirm_authorization -> invoke_privileged_tool | request_authorization
//	invoke_privileged_tool -> support_agent
func (f *SupportFlow) Compile(cp graph.Checkpointer[models.ConversationState], opts ...graph.Option) (*SupportGraph, error) {
	return graph.NewBuilder[models.ConversationState, Update](GraphName, Reduce).
		AddNode(StepSupportAgent, f.supportAgent).
		AddNode(StepRequestAuthorization, f.requestAuthorization).
		AddNode(StepConfirmAuthorization, f.confirmAuthorization).
		AddNode(StepInvokeReadOnlyTool, f.invokeTool(StepInvokeReadOnlyTool, tools.TierReadOnly)).
		AddNode(StepInvokePrivilegedTool, f.invokeTool(StepInvokePrivilegedTool, tools.TierPrivileged)).
		AddEdge(graph.Start, StepSupportAgent).
		AddConditionalEdges(StepSupportAgent, f.routeAfterAgent, graph.End, StepRequestAuthorization, StepInvokeReadOnlyTool).
		AddEdge(StepInvokeReadOnlyTool, StepSupportAgent).
		AddEdge(StepRequestAuthorization, StepConfirmAuthorization).
		AddConditionalEdges(StepConfirmAuthorization, routeAfterConfirmation, StepInvokePrivilegedTool, StepRequestAuthorization).
		AddEdge(StepInvokePrivilegedTool, StepSupportAgent).
		InterruptBefore(StepConfirmAuthorization).
		Compile(cp, opts...)
}

func (f *SupportFlow) supportAgent(ctx context.Context, s models.ConversationState) (Update, error) {
	msg, err := f.decider.Propose(ctx, s.Messages)
	if err != nil {
		return Update{}, err
	}
	if msg.Role == "" {
		msg.Role = models.RoleAssistant
	}
	return Update{Messages: []models.Message{msg}}, nil
}

// routeAfterAgent sends privileged actions through the challenge.
func (f *SupportFlow) routeAfterAgent(s models.ConversationState) (string, error) {
	call, ok := s.PendingToolCall()
	if !ok {
		return graph.End, nil
	}
	action, err := f.registry.Lookup(call.Name)
	if err != nil {
		return "", &graph.RoutingError{From: StepSupportAgent, To: call.Name, Reason: "invalid tool call generated"}
	}
	switch action.Tier() {
	case tools.TierPrivileged:
		return StepRequestAuthorization, nil
	case tools.TierReadOnly:
		return StepInvokeReadOnlyTool, nil
	default:
		return "", &graph.RoutingError{From: StepSupportAgent, To: call.Name, Reason: fmt.Sprintf("unsupported tier %s", action.Tier())}
	}
}

func (f *SupportFlow) requestAuthorization(ctx context.Context, s models.ConversationState) (Update, error) {
	code, err := f.newCode()
	if err != nil {
		return Update{}, err
	}

	failures := graph.Set(0)
	if s.AuthState == models.AuthStateAuthorizing {
		failures = graph.Set(s.AuthFailureCount + 1)
	}

	threadID := ThreadIDFromContext(ctx)
	if err := f.notifier.NotifyCode(ctx, threadID, code); err != nil {
		// The user can still retry; the next attempt issues a new code.
		slog.Warn("SupportFlow.requestAuthorization: code delivery failed", "threadID", threadID, "error", err)
	}

	return Update{
		AuthState:        graph.Set(models.AuthStateAuthorizing),
		GeneratedCode:    graph.Set(code),
		ProvidedCode:     graph.Clear[string](),
		AuthFailureCount: failures,
	}, nil
}

func (f *SupportFlow) confirmAuthorization(ctx context.Context, s models.ConversationState) (Update, error) {
	next := models.AuthStateAuthorizing
	if s.GeneratedCode != "" && s.ProvidedCode == s.GeneratedCode {
		next = models.AuthStateAuthed
	}
	slog.Debug("SupportFlow.confirmAuthorization: code checked", "threadID", ThreadIDFromContext(ctx), "authState", next)
	return Update{
		AuthState:     graph.Set(next),
		GeneratedCode: graph.Clear[string](),
		ProvidedCode:  graph.Clear[string](),
	}, nil
}

func routeAfterConfirmation(s models.ConversationState) (string, error) {
	if s.AuthState == models.AuthStateAuthed {
		return StepInvokePrivilegedTool, nil
	}
	return StepRequestAuthorization, nil
}

// invokeTool runs the pending action, which must belong to tier.
func (f *SupportFlow) invokeTool(step string, tier tools.Tier) graph.Step[models.ConversationState, Update] {
	return func(ctx context.Context, s models.ConversationState) (Update, error) {
		call, ok := s.PendingToolCall()
		if !ok {
			return Update{}, &graph.RoutingError{From: step, Reason: "no pending tool call"}
		}
		action, err := f.registry.Lookup(call.Name)
		if err != nil {
			return Update{}, &graph.RoutingError{From: step, To: call.Name, Reason: err.Error()}
		}
		if action.Tier() != tier {
			return Update{}, &graph.RoutingError{From: step, To: call.Name, Reason: fmt.Sprintf("action tier %s, step requires %s", action.Tier(), tier)}
		}

		slog.Debug("SupportFlow.invokeTool: running action", "step", step, "action", call.Name, "args", formatToolArgumentsForLog(call.Arguments))
		result, err := action.Run(ctx, call.Arguments)
		if err != nil {
			return Update{}, fmt.Errorf("action %s: %w", call.Name, err)
		}

		u := Update{Messages: []models.Message{models.NewToolMessage(call.ID, result)}}
		if tier == tools.TierPrivileged {
			u.AuthState = graph.Clear[models.AuthState]()
			u.AuthFailureCount = graph.Set(0)
		}
		return u, nil
	}
}
