package graph

import (
	"fmt"
	"reflect"
	"strings"
)

// Edge is a directed link between two nodes in the graph.
//
// Edges can be:
//   - Unconditional: always traversed (no condition).
//   - Conditional: traversed only when the condition holds for the State.
//
// Edges leaving the same node are evaluated in the order they were added.
// Every edge whose condition holds is taken, so several true edges fan out
// into parallel branches.
type Edge struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string

	// Label describes the edge in diagnostics and error paths.
	Label string

	argsCond  ArgsCondition
	stateCond StateCondition
}

// ArgsCondition tests only the raw argument map of a State.
type ArgsCondition func(args map[string]any) bool

// StateCondition tests the full State, with typed lookups available.
//
// Conditions must be pure: no mutation, and the same State must always yield
// the same answer.
type StateCondition func(state *State) bool

// NewEdge creates an unconditional edge.
func NewEdge(from, to string) *Edge {
	return &Edge{From: from, To: to, Label: from + "->" + to}
}

// NewArgsEdge creates a conditional edge whose predicate sees the argument map.
func NewArgsEdge(from, to string, cond ArgsCondition) *Edge {
	e := NewEdge(from, to)
	e.argsCond = cond
	return e
}

// NewStateEdge creates a conditional edge whose predicate sees the State.
func NewStateEdge(from, to string, cond StateCondition) *Edge {
	e := NewEdge(from, to)
	e.stateCond = cond
	return e
}

// WithLabel sets the diagnostic label and returns e.
func (e *Edge) WithLabel(label string) *Edge {
	e.Label = label
	return e
}

// IsConditional reports whether the edge carries a predicate.
func (e *Edge) IsConditional() bool {
	return e.argsCond != nil || e.stateCond != nil
}

// EvaluateCondition reports whether the edge should be traversed. Results are
// never cached, so repeated calls re-evaluate against the current State.
func (e *Edge) EvaluateCondition(state *State) bool {
	switch {
	case e.stateCond != nil:
		return e.stateCond(state)
	case e.argsCond != nil:
		return e.argsCond(state.Args())
	default:
		return true
	}
}

func (e *Edge) String() string {
	if e.Label != "" {
		return e.Label
	}
	return fmt.Sprintf("%s->%s", e.From, e.To)
}

// ContainsCondition is true when the string under key contains substr
// (case-insensitive).
func ContainsCondition(key, substr string) StateCondition {
	needle := strings.ToLower(substr)
	return func(s *State) bool {
		v, ok := GetAs[string](s, key)
		return ok && strings.Contains(strings.ToLower(v), needle)
	}
}

// EqualsCondition is true when the value under key equals want. Numbers are
// compared after coercion so JSON-restored values still match.
func EqualsCondition(key string, want any) StateCondition {
	return func(s *State) bool {
		v, ok := s.Get(key)
		if !ok {
			return false
		}
		if a, okA := toFloat(v); okA {
			if b, okB := toFloat(want); okB {
				return a == b
			}
		}
		return reflect.DeepEqual(v, want)
	}
}

// Not negates a StateCondition.
func Not(cond StateCondition) StateCondition {
	return func(s *State) bool { return !cond(s) }
}
