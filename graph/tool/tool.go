// Package tool defines the callable capabilities that action nodes invoke.
package tool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownTool is returned by Set.Call for names that are not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is an external capability an action node can call by name.
//
// Implementations should respect ctx cancellation and return structured output.
// Input may be nil for parameterless tools.
//
//	type WeatherTool struct{}
//
//	func (WeatherTool) Name() string { return "get_weather" }
//
//	func (WeatherTool) Call(ctx context.Context, in map[string]any) (map[string]any, error) {
//	    loc, _ := in["location"].(string)
//	    return map[string]any{"location": loc, "conditions": "sunny"}, nil
//	}
type Tool interface {
	// Name is unique within a Set. Lowercase with underscores by convention,
	// e.g. "search_web".
	Name() string
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Fn(ctx, input)
}

// Set is a concurrency-safe collection of tools keyed by name.
type Set struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewSet returns a Set holding tools. Later tools replace earlier ones with
// the same name.
func NewSet(tools ...Tool) *Set {
	s := &Set{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t != nil {
			s.tools[t.Name()] = t
		}
	}
	return s
}

// Add registers t, replacing any tool with the same name.
func (s *Set) Add(t Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (s *Set) Get(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered tools.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tools)
}

// Call invokes the tool registered under name.
func (s *Set) Call(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	t, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t.Call(ctx, input)
}
