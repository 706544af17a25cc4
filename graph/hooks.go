package graph

import (
	"context"
	"sync"

	"github.com/dshills/nodegraph-go/internal/ctxlog"
)

// BeforeHook runs before a node's computation.
type BeforeHook func(ctx context.Context, node Node, state *State) error

// AfterHook runs after a node's computation succeeded.
type AfterHook func(ctx context.Context, node Node, state *State, result Result) error

// FailureHook runs when a node's computation failed, before the error policy
// is applied.
type FailureHook func(ctx context.Context, node Node, state *State, err error) error

// Hooks is the typed lifecycle hook registry of a node.
//
// Hooks observe; they never steer the run. An error or panic from a hook is
// logged by the executor and otherwise ignored.
type Hooks struct {
	mu      sync.RWMutex
	before  []BeforeHook
	after   []AfterHook
	failure []FailureHook
}

// OnBefore registers fn to run before execution.
func (h *Hooks) OnBefore(fn BeforeHook) *Hooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, fn)
	return h
}

// OnAfter registers fn to run after successful execution.
func (h *Hooks) OnAfter(fn AfterHook) *Hooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, fn)
	return h
}

// OnFailure registers fn to run after failed execution.
func (h *Hooks) OnFailure(fn FailureHook) *Hooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failure = append(h.failure, fn)
	return h
}

func (h *Hooks) snapshot() ([]BeforeHook, []AfterHook, []FailureHook) {
	if h == nil {
		return nil, nil, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]BeforeHook(nil), h.before...),
		append([]AfterHook(nil), h.after...),
		append([]FailureHook(nil), h.failure...)
}

// callHook runs one hook, logging its error or panic instead of propagating it.
func callHook(ctx context.Context, n Node, phase string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Warn("hook panicked",
				"node_id", n.ID(), "phase", phase, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		ctxlog.FromContext(ctx).Warn("hook failed",
			"node_id", n.ID(), "phase", phase, "error", err)
	}
}
