package graph

import (
	"context"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/dshills/nodegraph-go/graph/governor"
)

// Node is the unit of work in a graph.
//
// Every node variant (function, conditional router, loop, reasoning, action,
// observation, plan-act-observe) satisfies this one interface. Variants share
// behaviour by embedding BaseNode rather than by extending one another.
//
// The executor drives a node through:
//   - ShouldExecute: may veto execution when reached (no side effects)
//   - Validate: preconditions; failure stops the run at this node
//   - Hooks().before, Execute, Hooks().after
//   - Hooks().failure plus Policy() when Execute returns an error
//
// Routing-only nodes report IsExecutable() == false; the executor never calls
// their Execute and only consults their outgoing edges (and Router, if any).
type Node interface {
	// ID is a stable identifier, unique within a graph and never reused.
	ID() string
	Name() string
	Description() string

	// Metadata is a free-form bag for diagnostics. The engine never reads it
	// to decide behaviour; use Hooks for behaviour injection.
	Metadata() map[string]any

	// InputParameters and OutputParameters document the State keys the node
	// reads and writes.
	InputParameters() []string
	OutputParameters() []string

	IsExecutable() bool
	ShouldExecute(state *State) bool
	Validate(state *State) error
	Execute(ctx context.Context, state *State) (Result, error)

	// ResultKey names the State key the executor stores Result.Value under.
	// Empty means the result is not stored.
	ResultKey() string

	Hooks() *Hooks

	// Policy returns the node's error policy, or nil to use the executor's.
	Policy() *NodePolicy
}

// Router is implemented by nodes that choose their own successors. The
// executor only follows outgoing edges whose target is in the returned set.
type Router interface {
	NextNodes(result Result, state *State) []string
}

// Prioritized is implemented by nodes that request a specific permit priority
// from the resource governor.
type Prioritized interface {
	Priority() governor.Priority
}

// Result is the output of a node execution.
type Result struct {
	// Value is the node's output. Stored in State under ResultKey when set.
	Value any

	// Metadata carries diagnostics such as timings or token counts.
	Metadata map[string]any
}

// BaseNode carries the identity, documentation, hooks and policy shared by all
// node variants. Embed it and implement Execute.
type BaseNode struct {
	id          string
	name        string
	description string
	metadata    map[string]any
	inputs      []string
	outputs     []string
	required    []string
	resultKey   string
	executable  bool
	condition   func(*State) bool
	hooks       *Hooks
	policy      *NodePolicy
	priority    governor.Priority
	hasPriority bool
}

// NodeOption configures a BaseNode.
type NodeOption func(*BaseNode)

// NewBaseNode creates a BaseNode with a fresh ID. Executable defaults to true.
func NewBaseNode(name string, opts ...NodeOption) BaseNode {
	b := BaseNode{
		id:         uuid.NewString(),
		name:       name,
		metadata:   make(map[string]any),
		executable: true,
		hooks:      &Hooks{},
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.name == "" {
		b.name = b.id
	}
	return b
}

// WithID overrides the generated node ID. Graph builders commonly use readable
// IDs such as "start" or "summary".
func WithID(id string) NodeOption {
	return func(b *BaseNode) {
		if id != "" {
			b.id = id
		}
	}
}

func WithDescription(desc string) NodeOption {
	return func(b *BaseNode) { b.description = desc }
}

func WithMetadata(key string, value any) NodeOption {
	return func(b *BaseNode) { b.metadata[key] = value }
}

// WithInputs documents the State keys a node reads.
func WithInputs(keys ...string) NodeOption {
	return func(b *BaseNode) { b.inputs = append(b.inputs, keys...) }
}

// WithOutputs documents the State keys a node writes.
func WithOutputs(keys ...string) NodeOption {
	return func(b *BaseNode) { b.outputs = append(b.outputs, keys...) }
}

// WithRequired declares State keys that must be present before the node runs.
// They are also recorded as inputs.
func WithRequired(keys ...string) NodeOption {
	return func(b *BaseNode) {
		b.required = append(b.required, keys...)
		for _, k := range keys {
			if !slices.Contains(b.inputs, k) {
				b.inputs = append(b.inputs, k)
			}
		}
	}
}

// WithResultKey stores the node's Result.Value in State under key.
func WithResultKey(key string) NodeOption {
	return func(b *BaseNode) { b.resultKey = key }
}

// WithCondition sets the should-execute predicate.
func WithCondition(fn func(*State) bool) NodeOption {
	return func(b *BaseNode) { b.condition = fn }
}

// WithPolicy sets the node's error policy.
func WithPolicy(p NodePolicy) NodeOption {
	return func(b *BaseNode) { b.policy = &p }
}

// WithPriority sets the permit priority requested from the governor.
func WithPriority(p governor.Priority) NodeOption {
	return func(b *BaseNode) {
		b.priority = p
		b.hasPriority = true
	}
}

func (b *BaseNode) ID() string                 { return b.id }
func (b *BaseNode) Name() string               { return b.name }
func (b *BaseNode) Description() string        { return b.description }
func (b *BaseNode) Metadata() map[string]any   { return maps.Clone(b.metadata) }
func (b *BaseNode) InputParameters() []string  { return slices.Clone(b.inputs) }
func (b *BaseNode) OutputParameters() []string { return slices.Clone(b.outputs) }
func (b *BaseNode) IsExecutable() bool         { return b.executable }
func (b *BaseNode) ResultKey() string          { return b.resultKey }
func (b *BaseNode) Hooks() *Hooks              { return b.hooks }
func (b *BaseNode) Policy() *NodePolicy        { return b.policy }

// Priority returns the configured priority, or governor.PriorityNormal.
func (b *BaseNode) Priority() governor.Priority {
	if !b.hasPriority {
		return governor.PriorityNormal
	}
	return b.priority
}

// ShouldExecute evaluates the should-execute predicate. Nodes without one
// always execute.
func (b *BaseNode) ShouldExecute(state *State) bool {
	if b.condition == nil {
		return true
	}
	return b.condition(state)
}

// Validate checks that every required key is present.
func (b *BaseNode) Validate(state *State) error {
	var missing []string
	for _, k := range b.required {
		if !state.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{NodeID: b.id, Missing: missing}
	}
	return nil
}

// setExecutable is used by routing-only variants.
func (b *BaseNode) setExecutable(v bool) {
	b.executable = v
}

// NodeError represents an error raised by a node's computation.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}
