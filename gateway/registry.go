// Package gateway exposes registered graphs over HTTP.
package gateway

import (
	"slices"
	"strings"
	"sync"

	"github.com/dshills/nodegraph-go/graph"
)

// GraphInfo summarises a registered graph.
type GraphInfo struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Description string `json:"description"`
	NodeCount   int    `json:"nodeCount"`
}

// Registry maps graph names to executors. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*graph.Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]*graph.Executor)}
}

// Register adds e under its name. It returns false when the name is taken.
func (r *Registry) Register(e *graph.Executor) bool {
	if e == nil || e.Name() == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.graphs[e.Name()]; ok {
		return false
	}
	r.graphs[e.Name()] = e
	return true
}

// Unregister removes a graph and reports whether it was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.graphs[name]; !ok {
		return false
	}
	delete(r.graphs, name)
	return true
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (*graph.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.graphs[name]
	return e, ok
}

// List describes every registered graph, sorted by name.
func (r *Registry) List() []GraphInfo {
	r.mu.RLock()
	out := make([]GraphInfo, 0, len(r.graphs))
	for _, e := range r.graphs {
		out = append(out, describe(e))
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b GraphInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func describe(e *graph.Executor) GraphInfo {
	return GraphInfo{
		Name:        e.Name(),
		ID:          e.ID(),
		Description: e.Description(),
		NodeCount:   e.NodeCount(),
	}
}
