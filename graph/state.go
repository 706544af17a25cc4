package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sync"
)

// State is the mutable variable context that flows through a run.
//
// Keys keep their insertion order, which makes iteration, JSON output and
// checkpoint payloads deterministic. A State is owned by exactly one run; nodes
// receive it by reference and must not retain it after Execute returns.
//
// Parallel branches may write to a State concurrently as long as they write
// disjoint keys. Writing the same key from two branches is a caller error: the
// surviving value is unspecified. Use Update for keys that are intentionally
// shared between branches.
type State struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]any
}

// NewState creates an empty State.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// NewStateFrom creates a State seeded with vars. Map iteration order is random,
// so keys are inserted in sorted order to keep the result deterministic.
func NewStateFrom(vars map[string]any) *State {
	s := NewState()
	for _, k := range sortedKeys(vars) {
		s.Set(k, vars[k])
	}
	return s
}

// Get returns the raw value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key. New keys are appended to the key order;
// existing keys keep their position.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value)
}

func (s *State) setLocked(key string, value any) {
	if _, exists := s.values[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Delete removes key. It reports whether the key was present.
func (s *State) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return false
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true
}

// Has reports whether key is present.
func (s *State) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Len returns the number of variables.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Keys returns the variable names in insertion order.
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Args returns a snapshot of the raw argument map. Mutating the returned map
// does not affect the State.
func (s *State) Args() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Update performs an atomic read-modify-write of key. fn receives the current
// value (ok is false when absent) and returns the value to store.
func (s *State) Update(key string, fn func(old any, ok bool) any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.values[key]
	next := fn(old, ok)
	s.setLocked(key, next)
	return next
}

// Clone returns a copy of s. Values are copied shallowly.
func (s *State) Clone() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &State{
		keys:   make([]string, len(s.keys)),
		values: make(map[string]any, len(s.values)),
	}
	copy(c.keys, s.keys)
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

// Iteration returns the loop counter stored under key, or 0.
func (s *State) Iteration(key string) int {
	return GetOr(s, key, 0)
}

// IncrementIteration bumps the loop counter under key and returns the new value.
func (s *State) IncrementIteration(key string) int {
	next := s.Update(key, func(old any, ok bool) any {
		n, _ := coerce[int](old)
		return n + 1
	})
	return next.(int)
}

// GetAs returns the value under key converted to T. It fails when the key is
// absent or holds an incompatible type. Numeric values are coerced when the
// conversion is exact, so state restored from JSON still reads back as int.
func GetAs[T any](s *State, key string) (T, bool) {
	v, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	return coerce[T](v)
}

// GetOr is GetAs with a fallback value.
func GetOr[T any](s *State, key string, def T) T {
	if v, ok := GetAs[T](s, key); ok {
		return v
	}
	return def
}

func coerce[T any](v any) (T, bool) {
	var zero T
	if t, ok := v.(T); ok {
		return t, true
	}
	f, isNum := toFloat(v)
	if !isNum {
		return zero, false
	}
	var out any
	switch any(zero).(type) {
	case int:
		if f != math.Trunc(f) {
			return zero, false
		}
		out = int(f)
	case int64:
		if f != math.Trunc(f) {
			return zero, false
		}
		out = int64(f)
	case float64:
		out = f
	case float32:
		out = float32(f)
	default:
		return zero, false
	}
	return out.(T), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// MarshalJSON encodes the State as a JSON object with keys in insertion order.
func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("state key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving the key order of the input.
func (s *State) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("state: expected JSON object")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
	s.values = make(map[string]any)

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("state: expected string key")
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("state key %q: %w", key, err)
		}
		s.setLocked(key, v)
	}
	_, err = dec.Token()
	return err
}

// String renders the State as JSON for diagnostics.
func (s *State) String() string {
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<state: %v>", err)
	}
	return string(b)
}
