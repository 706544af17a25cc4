package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestExecutor(t *testing.T, name string, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{WithLogging(false)}, opts...)
	e, err := NewExecutor(name, opts...)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return e
}

// writer returns a node that stores "<id>-done" under its own ID and returns
// its ID as the result.
func writer(id string, opts ...NodeOption) *FunctionNode {
	opts = append([]NodeOption{WithID(id)}, opts...)
	return NewFunctionNode(id, func(_ context.Context, s *State) (any, error) {
		s.Set(id, id+"-done")
		return id, nil
	}, opts...)
}

// counted wraps writer with an invocation counter.
func counted(id string, calls *atomic.Int32, opts ...NodeOption) *FunctionNode {
	opts = append([]NodeOption{WithID(id)}, opts...)
	return NewFunctionNode(id, func(_ context.Context, s *State) (any, error) {
		calls.Add(1)
		s.Set(id, id+"-done")
		return id, nil
	}, opts...)
}

// blocking returns a node that waits for its context to end.
func blocking(id string) *FunctionNode {
	return NewFunctionNode(id, func(ctx context.Context, _ *State) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithID(id))
}

func mustAdd(t *testing.T, e *Executor, nodes ...Node) {
	t.Helper()
	if err := e.AddNodes(nodes...); err != nil {
		t.Fatalf("AddNodes: %v", err)
	}
}

func mustConnect(t *testing.T, e *Executor, pairs ...[2]string) {
	t.Helper()
	for _, p := range pairs {
		if err := e.Connect(p[0], p[1]); err != nil {
			t.Fatalf("Connect(%s, %s): %v", p[0], p[1], err)
		}
	}
}

func mustStart(t *testing.T, e *Executor, id string) {
	t.Helper()
	if err := e.SetStartNode(id); err != nil {
		t.Fatalf("SetStartNode: %v", err)
	}
}

// chain builds ids[0] -> ids[1] -> ... of writer nodes.
func chain(t *testing.T, e *Executor, ids ...string) {
	t.Helper()
	for i, id := range ids {
		mustAdd(t, e, writer(id))
		if i > 0 {
			mustConnect(t, e, [2]string{ids[i-1], id})
		}
	}
	mustStart(t, e, ids[0])
}

// fakeMonitor is a governor.Monitor with settable readings.
type fakeMonitor struct {
	mu    sync.Mutex
	cpu   float64
	memMB uint64
}

func (f *fakeMonitor) setMemory(mb uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memMB = mb
}

func (f *fakeMonitor) CPUPercent(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cpu, nil
}

func (f *fakeMonitor) AvailableMemoryMB(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memMB, nil
}
