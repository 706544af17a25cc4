package graph

import (
	"context"
	"slices"
)

// ConditionalNode is a routing-only node. It never executes work; when reached
// it evaluates its predicate and lets the run continue only along the edges to
// TrueTargets or FalseTargets.
//
// Targets are connected automatically when the node is added to an executor,
// so callers only declare them once.
type ConditionalNode struct {
	BaseNode
	predicate    StateCondition
	trueTargets  []string
	falseTargets []string
}

// NewConditionalNode creates a router choosing trueTargets when predicate holds
// and falseTargets otherwise.
func NewConditionalNode(name string, predicate StateCondition, trueTargets, falseTargets []string, opts ...NodeOption) *ConditionalNode {
	n := &ConditionalNode{
		BaseNode:     NewBaseNode(name, opts...),
		predicate:    predicate,
		trueTargets:  slices.Clone(trueTargets),
		falseTargets: slices.Clone(falseTargets),
	}
	n.setExecutable(false)
	return n
}

// Execute is never called by the executor. It reports the predicate outcome
// for callers that drive the node by hand.
func (n *ConditionalNode) Execute(_ context.Context, state *State) (Result, error) {
	return Result{Value: n.evaluate(state)}, nil
}

// NextNodes selects the branch for the current State.
func (n *ConditionalNode) NextNodes(_ Result, state *State) []string {
	if n.evaluate(state) {
		return slices.Clone(n.trueTargets)
	}
	return slices.Clone(n.falseTargets)
}

// Targets lists every node the router may select.
func (n *ConditionalNode) Targets() []string {
	return append(slices.Clone(n.trueTargets), n.falseTargets...)
}

func (n *ConditionalNode) evaluate(state *State) bool {
	return n.predicate != nil && n.predicate(state)
}

// LoopNode gates a loop body on an iteration counter.
//
// Each time it runs it compares the counter under CounterKey with the limit
// (read from MaxKey when present in State, else the configured max). While
// counter < limit and the optional condition holds, it increments the counter
// and continues into the body; otherwise it exits. The body is expected to
// lead back to the LoopNode.
type LoopNode struct {
	BaseNode
	counterKey  string
	maxKey      string
	max         int
	cond        StateCondition
	bodyTargets []string
	exitTargets []string
}

// LoopOption configures a LoopNode.
type LoopOption func(*LoopNode)

// WithCounterKey sets the State key holding the iteration counter
// (default "iteration_count").
func WithCounterKey(key string) LoopOption {
	return func(n *LoopNode) { n.counterKey = key }
}

// WithMaxKey reads the iteration limit from State (default "max_iterations").
func WithMaxKey(key string) LoopOption {
	return func(n *LoopNode) { n.maxKey = key }
}

// WithLoopCondition adds a predicate that must also hold to continue.
func WithLoopCondition(cond StateCondition) LoopOption {
	return func(n *LoopNode) { n.cond = cond }
}

// Default State keys used by LoopNode.
const (
	DefaultCounterKey = "iteration_count"
	DefaultMaxKey     = "max_iterations"
)

// NewLoopNode creates a loop gate with a fallback limit of max iterations.
func NewLoopNode(name string, max int, bodyTargets, exitTargets []string, loopOpts []LoopOption, opts ...NodeOption) *LoopNode {
	n := &LoopNode{
		BaseNode:    NewBaseNode(name, opts...),
		counterKey:  DefaultCounterKey,
		maxKey:      DefaultMaxKey,
		max:         max,
		bodyTargets: slices.Clone(bodyTargets),
		exitTargets: slices.Clone(exitTargets),
	}
	for _, o := range loopOpts {
		o(n)
	}
	return n
}

// Execute decides whether to continue, bumping the counter when it does.
// Result.Value is the decision.
func (n *LoopNode) Execute(_ context.Context, state *State) (Result, error) {
	count := state.Iteration(n.counterKey)
	limit := GetOr(state, n.maxKey, n.max)
	cont := count < limit && (n.cond == nil || n.cond(state))
	if cont {
		count = state.IncrementIteration(n.counterKey)
	}
	return Result{
		Value:    cont,
		Metadata: map[string]any{"iteration": count, "max": limit},
	}, nil
}

// NextNodes returns the body when the last execution chose to continue.
func (n *LoopNode) NextNodes(result Result, _ *State) []string {
	if cont, _ := result.Value.(bool); cont {
		return slices.Clone(n.bodyTargets)
	}
	return slices.Clone(n.exitTargets)
}

// Targets lists the body and exit nodes.
func (n *LoopNode) Targets() []string {
	return append(slices.Clone(n.bodyTargets), n.exitTargets...)
}

// targeter is implemented by routers whose targets are wired implicitly.
type targeter interface {
	Targets() []string
}
