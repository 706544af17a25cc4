package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config controls caching, compression and retention.
type Config struct {
	// EnableCompression zstd-compresses encoded snapshots.
	EnableCompression bool

	// MaxCacheSize bounds the number of runs kept in the in-process cache.
	// Without a Backend the cache is the only store, so evicted runs are lost.
	MaxCacheSize int

	// EnableAutoCleanup starts a background sweep every AutoCleanupInterval
	// removing snapshots older than MaxAge.
	EnableAutoCleanup   bool
	AutoCleanupInterval time.Duration
	MaxAge              time.Duration
}

// DefaultConfig returns a cache of 1000 runs with compression enabled and
// hourly cleanup of day-old snapshots.
func DefaultConfig() Config {
	return Config{
		EnableCompression:   true,
		MaxCacheSize:        1000,
		EnableAutoCleanup:   false,
		AutoCleanupInterval: time.Hour,
		MaxAge:              24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxCacheSize < 1 {
		return errors.New("checkpoint: MaxCacheSize must be >= 1")
	}
	if c.EnableAutoCleanup && (c.AutoCleanupInterval <= 0 || c.MaxAge <= 0) {
		return errors.New("checkpoint: auto cleanup requires AutoCleanupInterval and MaxAge")
	}
	return nil
}

// Stats reports Manager activity.
type Stats struct {
	Cached    int
	Saves     uint64
	Loads     uint64
	CacheHits uint64
	Evictions uint64
	Cleaned   uint64
}

// Manager saves and loads run snapshots.
type Manager struct {
	cfg     Config
	backend Backend
	codec   *codec
	cache   *lru.Cache[string, cacheEntry]
	logger  *slog.Logger

	mu       sync.Mutex
	versions map[string]int64
	closed   bool

	saves, loads, hits, evictions, cleaned atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

type cacheEntry struct {
	data    []byte
	savedAt time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackend writes snapshots through to durable storage.
func WithBackend(b Backend) Option {
	return func(m *Manager) { m.backend = b }
}

// WithLogger sets the logger for cleanup and eviction diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager and starts the cleanup sweep if enabled.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := newCodec(cfg.EnableCompression)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		codec:    c,
		logger:   slog.Default(),
		versions: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cache, err = lru.NewWithEvict(cfg.MaxCacheSize, func(runID string, _ cacheEntry) {
		m.evictions.Add(1)
		if m.backend == nil {
			m.logger.Debug("checkpoint evicted from cache", "run_id", runID)
		}
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("checkpoint: cache: %w", err)
	}

	if cfg.EnableAutoCleanup {
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.sweep()
	}
	return m, nil
}

// Save stores a copy of snap. The stored Version is max(snap.Version,
// previous+1) and Timestamp defaults to now.
func (m *Manager) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s := snap.Clone()
	if len(s.State) == 0 {
		s.State = json.RawMessage("{}")
	}
	// Normalize to the form json.Marshal emits so the checksum survives the
	// encode/decode round trip.
	norm, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("checkpoint: state: %w", err)
	}
	s.State = norm
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if prev := m.versions[s.RunID]; s.Version <= prev {
		s.Version = prev + 1
	}
	m.versions[s.RunID] = s.Version
	m.mu.Unlock()

	s.Checksum = computeChecksum(s)
	data, err := m.codec.encode(s)
	if err != nil {
		return err
	}

	m.cache.Add(s.RunID, cacheEntry{data: data, savedAt: s.Timestamp})
	if m.backend != nil {
		if err := m.backend.Put(ctx, s.RunID, s.Version, s.Timestamp, data); err != nil {
			return err
		}
	}
	m.saves.Add(1)
	return nil
}

// Load returns the latest snapshot of runID, or ErrNotFound.
func (m *Manager) Load(ctx context.Context, runID string) (*Snapshot, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	m.loads.Add(1)
	if e, ok := m.cache.Get(runID); ok {
		m.hits.Add(1)
		return m.codec.decode(e.data)
	}
	if m.backend == nil {
		return nil, ErrNotFound
	}
	data, err := m.backend.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	s, err := m.codec.decode(data)
	if err != nil {
		return nil, err
	}
	m.cache.Add(runID, cacheEntry{data: data, savedAt: s.Timestamp})

	m.mu.Lock()
	if s.Version > m.versions[runID] {
		m.versions[runID] = s.Version
	}
	m.mu.Unlock()
	return s, nil
}

// Delete removes every stored copy of runID.
func (m *Manager) Delete(ctx context.Context, runID string) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.cache.Remove(runID)
	m.mu.Lock()
	delete(m.versions, runID)
	m.mu.Unlock()
	if m.backend != nil {
		return m.backend.Delete(ctx, runID)
	}
	return nil
}

// Cleanup removes snapshots older than MaxAge from the cache and backend.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.isClosed() {
		return 0, ErrClosed
	}
	if m.cfg.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-m.cfg.MaxAge)

	removed := 0
	for _, id := range m.cache.Keys() {
		if e, ok := m.cache.Peek(id); ok && e.savedAt.Before(cutoff) {
			m.cache.Remove(id)
			m.mu.Lock()
			delete(m.versions, id)
			m.mu.Unlock()
			removed++
		}
	}
	if m.backend != nil {
		n, err := m.backend.DeleteBefore(ctx, cutoff)
		if err != nil {
			return removed, err
		}
		removed = max(removed, n)
	}
	m.cleaned.Add(uint64(removed))
	return removed, nil
}

// Stats returns counters since the Manager was created.
func (m *Manager) Stats() Stats {
	return Stats{
		Cached:    m.cache.Len(),
		Saves:     m.saves.Load(),
		Loads:     m.loads.Load(),
		CacheHits: m.hits.Load(),
		Evictions: m.evictions.Load(),
		Cleaned:   m.cleaned.Load(),
	}
}

// Close stops the sweep and closes the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.stop != nil {
		close(m.stop)
		<-m.done
	}
	m.codec.close()
	if m.backend != nil {
		return m.backend.Close()
	}
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) sweep() {
	defer close(m.done)
	t := time.NewTicker(m.cfg.AutoCleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			n, err := m.Cleanup(context.Background())
			if err != nil {
				m.logger.Warn("checkpoint cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("checkpoint cleanup", "removed", n)
			}
		}
	}
}
