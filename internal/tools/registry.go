// Package tools holds the actions the support agent may request and the
// registry that maps an action name to its permission tier and executor.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

var (
	// ErrUnknownAction is returned by Lookup for names that were never registered.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidArguments wraps argument decoding and validation failures.
	ErrInvalidArguments = errors.New("invalid action arguments")
)

// Tier is the permission level of an action.
type Tier int

const (
	// TierReadOnly actions run without any challenge.
	TierReadOnly Tier = iota
	// TierPrivileged actions run only after step-up verification.
	TierPrivileged
)

func (t Tier) String() string {
	switch t {
	case TierReadOnly:
		return "read_only"
	case TierPrivileged:
		return "privileged"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Args is implemented by every typed argument struct.
type Args interface {
	Validate() error
}

// Action is a named capability with a fixed tier and a typed executor.
type Action struct {
	name        string
	description string
	tier        Tier
	parameters  shared.FunctionParameters
	run         func(ctx context.Context, raw json.RawMessage) (string, error)
}

// New builds an Action whose executor receives decoded, validated arguments of type A.
func New[A Args](name, description string, tier Tier, parameters shared.FunctionParameters, exec func(ctx context.Context, args A) (string, error)) Action {
	return Action{
		name:        name,
		description: description,
		tier:        tier,
		parameters:  parameters,
		run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args A
			if len(raw) == 0 {
				raw = json.RawMessage("{}")
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("%w for %s: %v", ErrInvalidArguments, name, err)
			}
			if err := args.Validate(); err != nil {
				return "", fmt.Errorf("%w for %s: %v", ErrInvalidArguments, name, err)
			}
			return exec(ctx, args)
		},
	}
}

func (a Action) Name() string        { return a.name }
func (a Action) Description() string { return a.description }
func (a Action) Tier() Tier          { return a.tier }

// Run decodes raw JSON arguments and executes the action.
func (a Action) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	slog.Debug("Action.Run: executing", "action", a.name, "tier", a.tier)
	return a.run(ctx, raw)
}

// Definition returns the OpenAI tool definition advertised to the model.
func (a Action) Definition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        a.name,
			Description: openai.String(a.description),
			Parameters:  a.parameters,
		},
	}
}

// Registry maps action names to actions. Registration order is preserved.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	order   []string
}

// NewRegistry creates a registry holding the given actions.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an action. Names must be unique.
func (r *Registry) Register(a Action) error {
	if a.name == "" || a.run == nil {
		return fmt.Errorf("action must have a name and an executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.name]; exists {
		return fmt.Errorf("action %q already registered", a.name)
	}
	r.actions[a.name] = a
	r.order = append(r.order, a.name)
	slog.Debug("Registry.Register: registered action", "action", a.name, "tier", a.tier)
	return nil
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return a, nil
}

// Definitions returns the tool definitions of all actions in registration order.
func (r *Registry) Definitions() []openai.ChatCompletionToolParam {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]openai.ChatCompletionToolParam, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.actions[name].Definition())
	}
	return defs
}

// Names returns the registered action names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
