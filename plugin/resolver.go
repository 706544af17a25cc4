package plugin

import "fmt"

// Resolver supplies named dependencies to factories.
type Resolver interface {
	Resolve(name string) (any, bool)
}

// MapResolver resolves from a fixed map.
type MapResolver map[string]any

func (m MapResolver) Resolve(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// ChainResolver tries each resolver in order.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(name string) (any, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.Resolve(name); ok {
			return v, true
		}
	}
	return nil, false
}

// Lookup resolves name and asserts it to T.
func Lookup[T any](r Resolver, name string) (T, error) {
	var zero T
	v, ok := r.Resolve(name)
	if !ok {
		return zero, fmt.Errorf("dependency %q not provided", name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dependency %q is %T, want %T", name, v, zero)
	}
	return t, nil
}
