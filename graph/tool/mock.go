package tool

import (
	"context"
	"maps"
	"sync"
)

// MockTool is a scripted Tool for tests.
//
// Each call returns the next entry of Responses; once they run out the last
// one repeats. Err, when set, is returned instead. Every call is recorded.
//
//	mock := &MockTool{ToolName: "search", Responses: []map[string]any{{"hits": 3}}}
type MockTool struct {
	ToolName  string
	Responses []map[string]any
	Err       error

	mu    sync.Mutex
	calls []map[string]any
	next  int
}

func (m *MockTool) Name() string { return m.ToolName }

func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, maps.Clone(input))
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}
	i := m.next
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	} else {
		m.next++
	}
	return maps.Clone(m.Responses[i]), nil
}

// Calls returns the inputs of every call so far.
func (m *MockTool) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.calls...)
}

// CallCount returns the number of calls so far.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears the call history and rewinds Responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.next = 0
}
