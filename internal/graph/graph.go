// Package graph is a small durable workflow runtime.
//
// A Graph is a static set of named steps joined by unconditional and conditional
// edges. Running a graph for a thread drives steps one at a time, folds each
// step's update into the thread state with a reducer, and saves a checkpoint
// after every step. Steps marked as interrupts suspend the run before they
// execute; Resume continues from the saved position, possibly after a restart.
package graph

import (
	"context"
	"fmt"
	"sort"
)

const (
	// Start is the virtual entry point of every graph.
	Start = "__start__"
	// End is the virtual terminal step.
	End = "__end__"
)

// DefaultMaxSteps bounds the number of steps in a single pass.
const DefaultMaxSteps = 25

// Step executes one unit of work against the current state and returns an update.
type Step[S, U any] func(ctx context.Context, state S) (U, error)

// Router picks the next step from the state after a step ran.
type Router[S any] func(state S) (string, error)

// Reducer merges an update into the state.
type Reducer[S, U any] func(state S, update U) S

type conditionalEdge[S any] struct {
	router  Router[S]
	targets map[string]bool
}

// Builder collects the definition of a Graph. Errors are reported by Compile.
type Builder[S, U any] struct {
	name        string
	reducer     Reducer[S, U]
	nodes       map[string]Step[S, U]
	order       []string
	edges       map[string]string
	conditional map[string]conditionalEdge[S]
	interrupts  map[string]bool
	errs        []error
}

// NewBuilder starts a graph definition. The name namespaces its checkpoints.
func NewBuilder[S, U any](name string, reducer Reducer[S, U]) *Builder[S, U] {
	return &Builder[S, U]{
		name:        name,
		reducer:     reducer,
		nodes:       make(map[string]Step[S, U]),
		edges:       make(map[string]string),
		conditional: make(map[string]conditionalEdge[S]),
		interrupts:  make(map[string]bool),
	}
}

// AddNode registers a step under name.
func (b *Builder[S, U]) AddNode(name string, step Step[S, U]) *Builder[S, U] {
	switch {
	case name == "" || name == Start || name == End:
		b.errs = append(b.errs, fmt.Errorf("reserved or empty node name %q", name))
	case b.nodes[name] != nil:
		b.errs = append(b.errs, fmt.Errorf("duplicate node %q", name))
	case step == nil:
		b.errs = append(b.errs, fmt.Errorf("node %q has no step", name))
	default:
		b.nodes[name] = step
		b.order = append(b.order, name)
	}
	return b
}

// AddEdge adds an unconditional transition. from may be Start; to may be End.
func (b *Builder[S, U]) AddEdge(from, to string) *Builder[S, U] {
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	b.edges[from] = to
	return b
}

// AddConditionalEdges routes out of from with router. The router may only
// return one of targets; anything else is a RoutingError at run time.
func (b *Builder[S, U]) AddConditionalEdges(from string, router Router[S], targets ...string) *Builder[S, U] {
	if b.hasOutgoing(from) {
		b.errs = append(b.errs, fmt.Errorf("node %q already has an outgoing edge", from))
		return b
	}
	if router == nil || len(targets) == 0 {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q needs a router and targets", from))
		return b
	}
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	b.conditional[from] = conditionalEdge[S]{router: router, targets: set}
	return b
}

// InterruptBefore marks steps that suspend the run before they execute.
func (b *Builder[S, U]) InterruptBefore(names ...string) *Builder[S, U] {
	for _, n := range names {
		b.interrupts[n] = true
	}
	return b
}

func (b *Builder[S, U]) hasOutgoing(from string) bool {
	_, plain := b.edges[from]
	_, cond := b.conditional[from]
	return plain || cond
}

// Option configures a compiled Graph.
type Option func(*options)

type options struct {
	maxSteps int
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// Compile validates the definition and binds it to a checkpointer.
func (b *Builder[S, U]) Compile(cp Checkpointer[S], opts ...Option) (*Graph[S, U], error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, b.errs[0])
	}
	if b.reducer == nil {
		return nil, fmt.Errorf("%w: no reducer", ErrInvalidGraph)
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: no checkpointer", ErrInvalidGraph)
	}
	first, ok := b.edges[Start]
	if !ok {
		return nil, fmt.Errorf("%w: no edge from %s", ErrInvalidGraph, Start)
	}
	if b.nodes[first] == nil {
		return nil, fmt.Errorf("%w: start edge targets unknown node %q", ErrInvalidGraph, first)
	}
	valid := func(name string) bool { return name == End || b.nodes[name] != nil }
	for _, name := range b.order {
		if !b.hasOutgoing(name) {
			return nil, fmt.Errorf("%w: node %q has no outgoing edge", ErrInvalidGraph, name)
		}
	}
	for from, to := range b.edges {
		if from != Start && b.nodes[from] == nil {
			return nil, fmt.Errorf("%w: edge from unknown node %q", ErrInvalidGraph, from)
		}
		if !valid(to) {
			return nil, fmt.Errorf("%w: edge from %q to unknown node %q", ErrInvalidGraph, from, to)
		}
	}
	for from, ce := range b.conditional {
		if b.nodes[from] == nil {
			return nil, fmt.Errorf("%w: conditional edge from unknown node %q", ErrInvalidGraph, from)
		}
		for t := range ce.targets {
			if !valid(t) {
				return nil, fmt.Errorf("%w: conditional edge from %q to unknown node %q", ErrInvalidGraph, from, t)
			}
		}
	}
	for name := range b.interrupts {
		if b.nodes[name] == nil {
			return nil, fmt.Errorf("%w: interrupt on unknown node %q", ErrInvalidGraph, name)
		}
	}

	o := options{maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(&o)
	}
	return &Graph[S, U]{
		name:         b.name,
		reducer:      b.reducer,
		nodes:        b.nodes,
		edges:        b.edges,
		conditional:  b.conditional,
		interrupts:   b.interrupts,
		first:        first,
		checkpointer: cp,
		maxSteps:     o.maxSteps,
	}, nil
}

// Graph is a compiled, immutable workflow. It is safe for concurrent use
// across different threads.
type Graph[S, U any] struct {
	name         string
	reducer      Reducer[S, U]
	nodes        map[string]Step[S, U]
	edges        map[string]string
	conditional  map[string]conditionalEdge[S]
	interrupts   map[string]bool
	first        string
	checkpointer Checkpointer[S]
	maxSteps     int
}

// Name returns the graph name used to namespace checkpoints.
func (g *Graph[S, U]) Name() string { return g.name }

// Interrupts returns the names of the interrupt steps, sorted.
func (g *Graph[S, U]) Interrupts() []string {
	out := make([]string, 0, len(g.interrupts))
	for n := range g.interrupts {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
