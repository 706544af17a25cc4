package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Backend is durable storage for encoded snapshots. Only the latest version
// per run is kept; a Put with an older version than the stored one is ignored.
type Backend interface {
	Put(ctx context.Context, runID string, version int64, savedAt time.Time, data []byte) error
	Get(ctx context.Context, runID string) ([]byte, error)
	Delete(ctx context.Context, runID string) error
	// DeleteBefore removes snapshots saved before cutoff and reports how many.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// MemoryBackend keeps snapshots in process memory. Useful for tests and for
// giving the LRU cache an unbounded spill area.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]memRecord
	closed  bool
}

type memRecord struct {
	version int64
	savedAt time.Time
	data    []byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]memRecord)}
}

func (m *MemoryBackend) Put(_ context.Context, runID string, version int64, savedAt time.Time, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if cur, ok := m.records[runID]; ok && cur.version > version {
		return nil
	}
	m.records[runID] = memRecord{version: version, savedAt: savedAt, data: append([]byte(nil), data...)}
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, runID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.records[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), rec.data...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, runID)
	return nil
}

func (m *MemoryBackend) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, rec := range m.records {
		if rec.savedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}
