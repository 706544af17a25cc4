package graph

import (
	"context"
	"errors"
)

// NodeFunc is the computation wrapped by a FunctionNode.
type NodeFunc func(ctx context.Context, state *State) (any, error)

// FunctionNode adapts a plain function into a Node.
//
// Example:
//
//	summary := graph.NewFunctionNode("summary", func(ctx context.Context, s *graph.State) (any, error) {
//	    text := graph.GetOr(s, "text", "")
//	    return summarize(text), nil
//	}, graph.WithID("summary"), graph.WithResultKey("summary"))
type FunctionNode struct {
	BaseNode
	fn NodeFunc
}

// NewFunctionNode creates a node that runs fn.
func NewFunctionNode(name string, fn NodeFunc, opts ...NodeOption) *FunctionNode {
	return &FunctionNode{BaseNode: NewBaseNode(name, opts...), fn: fn}
}

// Execute calls the wrapped function.
func (n *FunctionNode) Execute(ctx context.Context, state *State) (Result, error) {
	if n.fn == nil {
		return Result{}, &NodeError{Message: "no function configured", Code: "NO_FUNCTION", NodeID: n.ID()}
	}
	v, err := n.fn(ctx, state)
	if err != nil {
		var ne *NodeError
		if errors.As(err, &ne) {
			return Result{}, err
		}
		return Result{}, &NodeError{Message: err.Error(), Code: "FUNCTION_FAILED", NodeID: n.ID(), Cause: err}
	}
	return Result{Value: v}, nil
}
