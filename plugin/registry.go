// Package plugin is a runtime catalog of node factories. Factories are
// registered under a unique identifier with a semantic version and a category,
// and run only when an instance is requested.
package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/internal/ctxlog"
)

var (
	// ErrDuplicateID is returned when an identifier is already registered and
	// overwrites are not allowed.
	ErrDuplicateID = errors.New("plugin already registered")

	// ErrCapacityExceeded is returned when the registry already holds
	// MaxPlugins entries.
	ErrCapacityExceeded = errors.New("plugin capacity exceeded")

	// ErrInvalidVersion is returned for versions that are not semantic versions.
	ErrInvalidVersion = errors.New("invalid plugin version")

	// ErrNotFound is returned for unknown identifiers.
	ErrNotFound = errors.New("plugin not found")

	// ErrInvalidPlugin is returned for metadata without an ID or a nil factory.
	ErrInvalidPlugin = errors.New("invalid plugin")
)

// Metadata describes a registered plugin.
type Metadata struct {
	ID          string
	Name        string
	Description string

	// Version is a semantic version. The leading "v" is optional.
	Version  string
	Category string
	Tags     []string

	RegisteredAt time.Time
}

// Factory builds a node. It runs once per CreateInstance call.
type Factory func(r Resolver) (graph.Node, error)

// Stats counts activity for one plugin.
type Stats struct {
	Instances   uint64
	Failures    uint64
	LastCreated time.Time
}

// Config bounds the registry.
type Config struct {
	// MaxPlugins caps the number of registered plugins. Zero means unlimited.
	MaxPlugins int

	// AllowOverwrite lets Register replace an existing entry with the same ID.
	AllowOverwrite bool
}

// DefaultConfig allows 100 plugins and rejects overwrites.
func DefaultConfig() Config {
	return Config{MaxPlugins: 100}
}

type entry struct {
	meta    Metadata
	factory Factory
	stats   Stats
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:     cfg,
		logger:  ctxlog.Discard(),
		plugins: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// canonicalVersion adds the "v" prefix semver expects.
func canonicalVersion(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// Register adds a plugin. A rejected registration leaves the registry
// unchanged.
func (r *Registry) Register(meta Metadata, factory Factory) error {
	if meta.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidPlugin)
	}
	if factory == nil {
		return fmt.Errorf("%w: %s has no factory", ErrInvalidPlugin, meta.ID)
	}
	if !semver.IsValid(canonicalVersion(meta.Version)) {
		return fmt.Errorf("%w: %s version %q", ErrInvalidVersion, meta.ID, meta.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.plugins[meta.ID]
	switch {
	case exists && !r.cfg.AllowOverwrite:
		return fmt.Errorf("%w: %s", ErrDuplicateID, meta.ID)
	case !exists && r.cfg.MaxPlugins > 0 && len(r.plugins) >= r.cfg.MaxPlugins:
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, r.cfg.MaxPlugins)
	}

	meta.Tags = slices.Clone(meta.Tags)
	meta.RegisteredAt = time.Now()
	r.plugins[meta.ID] = &entry{meta: meta, factory: factory}
	r.logger.Debug("plugin registered", "id", meta.ID, "version", meta.Version, "replaced", exists)
	return nil
}

// Unregister removes a plugin and reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[id]; !ok {
		return false
	}
	delete(r.plugins, id)
	r.logger.Debug("plugin unregistered", "id", id)
	return true
}

// CreateInstance runs the plugin's factory with res. A nil res resolves
// nothing.
func (r *Registry) CreateInstance(id string, res Resolver) (graph.Node, error) {
	r.mu.RLock()
	e, ok := r.plugins[id]
	var factory Factory
	if ok {
		factory = e.factory
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if res == nil {
		res = MapResolver(nil)
	}

	node, err := factory(res)
	if err == nil && node == nil {
		err = errors.New("factory returned a nil node")
	}

	r.mu.Lock()
	// The entry may have been replaced or removed while the factory ran.
	if cur, ok := r.plugins[id]; ok && cur == e {
		if err != nil {
			e.stats.Failures++
		} else {
			e.stats.Instances++
			e.stats.LastCreated = time.Now()
		}
	}
	r.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", id, err)
	}
	return node, nil
}

// Get returns the metadata of a plugin.
func (r *Registry) Get(id string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[id]
	if !ok {
		return Metadata{}, false
	}
	return e.meta.clone(), true
}

// List returns plugins in the given category sorted by ID. An empty category
// lists everything.
func (r *Registry) List(category string) []Metadata {
	r.mu.RLock()
	out := make([]Metadata, 0, len(r.plugins))
	for _, e := range r.plugins {
		if category == "" || e.meta.Category == category {
			out = append(out, e.meta.clone())
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Metadata) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Latest returns the highest version registered in a category.
func (r *Registry) Latest(category string) (Metadata, bool) {
	var best Metadata
	found := false
	for _, m := range r.List(category) {
		if !found || semver.Compare(canonicalVersion(m.Version), canonicalVersion(best.Version)) > 0 {
			best, found = m, true
		}
	}
	return best, found
}

// Stats returns activity counters for a plugin.
func (r *Registry) Stats(id string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[id]
	if !ok {
		return Stats{}, false
	}
	return e.stats, true
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

func (m Metadata) clone() Metadata {
	m.Tags = slices.Clone(m.Tags)
	return m
}
