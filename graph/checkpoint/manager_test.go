package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newSnapshot(runID string, step int) *Snapshot {
	return &Snapshot{
		RunID:     runID,
		GraphName: "routing",
		State:     json.RawMessage(`{"text":"hello <world>","count":3}`),
		Frontier:  []string{"semantic", "statistical"},
		Joins:     map[string]JoinProgress{"summary": {Remaining: 1, Arrived: 1, Edges: map[int]bool{3: true, 4: false}}},
		Step:      step,
	}
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.EnableCompression = compress
		m := newTestManager(t, cfg)
		ctx := context.Background()

		in := newSnapshot("run-1", 4)
		if err := m.Save(ctx, in); err != nil {
			t.Fatalf("Save: %v", err)
		}
		out, err := m.Load(ctx, "run-1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}

		if out.Version != 1 || out.Timestamp.IsZero() || out.Checksum == "" {
			t.Fatalf("expected version, timestamp and checksum to be set: %+v", out)
		}
		if diff := cmp.Diff(in, out, cmpopts.IgnoreFields(Snapshot{}, "Version", "Timestamp", "Checksum", "State")); diff != "" {
			t.Errorf("compress=%v snapshot mismatch (-want +got):\n%s", compress, diff)
		}
		var want, got map[string]any
		_ = json.Unmarshal(in.State, &want)
		_ = json.Unmarshal(out.State, &got)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("compress=%v state mismatch (-want +got):\n%s", compress, diff)
		}
	}
}

func TestManagerVersionsAreMonotonic(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Save(ctx, newSnapshot("run-v", i)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	s, err := m.Load(ctx, "run-v")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Version != 3 || s.Step != 2 {
		t.Fatalf("expected latest snapshot (version 3, step 2), got version %d step %d", s.Version, s.Step)
	}
}

func TestManagerLoadMissing(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if _, err := m.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerCacheEvictionWithoutBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCacheSize = 2
	m := newTestManager(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := m.Save(ctx, newSnapshot(id, 1)); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}
	if _, err := m.Load(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest run evicted, got %v", err)
	}
	if _, err := m.Load(ctx, "c"); err != nil {
		t.Fatalf("expected newest run cached: %v", err)
	}
	if s := m.Stats(); s.Evictions != 1 || s.Cached != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestManagerFallsBackToBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCacheSize = 1
	backend := NewMemoryBackend()
	m := newTestManager(t, cfg, WithBackend(backend))
	ctx := context.Background()

	if err := m.Save(ctx, newSnapshot("a", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Save(ctx, newSnapshot("b", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s, err := m.Load(ctx, "a")
	if err != nil {
		t.Fatalf("expected backend hit for evicted run: %v", err)
	}
	if s.RunID != "a" {
		t.Fatalf("loaded wrong run %q", s.RunID)
	}
}

func TestManagerCompressesPayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCompression = true
	backend := NewMemoryBackend()
	m := newTestManager(t, cfg, WithBackend(backend))
	ctx := context.Background()

	if err := m.Save(ctx, newSnapshot("z", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := backend.Get(ctx, "z")
	if err != nil {
		t.Fatalf("backend Get: %v", err)
	}
	if !bytes.HasPrefix(raw, zstdMagic) {
		t.Fatalf("expected zstd frame, got %q", raw[:min(len(raw), 16)])
	}
}

func TestManagerDetectsCorruption(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCompression = false
	cfg.MaxCacheSize = 1
	backend := NewMemoryBackend()
	m := newTestManager(t, cfg, WithBackend(backend))
	ctx := context.Background()

	if err := m.Save(ctx, newSnapshot("x", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, _ := backend.Get(ctx, "x")
	tampered := bytes.Replace(raw, []byte(`"step":1`), []byte(`"step":9`), 1)
	if err := backend.Put(ctx, "x", 99, time.Now(), tampered); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Push "x" out of the cache so Load reads the tampered backend copy.
	if err := m.Save(ctx, newSnapshot("y", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := m.Load(ctx, "x"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestManagerCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = time.Hour
	backend := NewMemoryBackend()
	m := newTestManager(t, cfg, WithBackend(backend))
	ctx := context.Background()

	old := newSnapshot("old", 1)
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	if err := m.Save(ctx, old); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Save(ctx, newSnapshot("fresh", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	n, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one snapshot removed, got %d", n)
	}
	if _, err := m.Load(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old snapshot gone, got %v", err)
	}
	if _, err := m.Load(ctx, "fresh"); err != nil {
		t.Fatalf("fresh snapshot should remain: %v", err)
	}
}

func TestManagerAutoCleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutoCleanup = true
	cfg.AutoCleanupInterval = 10 * time.Millisecond
	cfg.MaxAge = time.Minute
	m := newTestManager(t, cfg)
	ctx := context.Background()

	old := newSnapshot("stale", 1)
	old.Timestamp = time.Now().Add(-time.Hour)
	if err := m.Save(ctx, old); err != nil {
		t.Fatalf("Save: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := m.Load(ctx, "stale"); errors.Is(err, ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("auto cleanup did not remove stale snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManagerClosed(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Save(context.Background(), newSnapshot("r", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSnapshotValidate(t *testing.T) {
	if err := (&Snapshot{}).Validate(); err == nil {
		t.Fatal("expected error for missing run id")
	}
	if err := (&Snapshot{RunID: "r", State: json.RawMessage("{")}).Validate(); err == nil {
		t.Fatal("expected error for invalid state JSON")
	}
}
