// Package checkpoint persists run snapshots so interrupted runs can resume.
//
// A Manager keeps recent snapshots in a bounded LRU cache, optionally
// compresses them with zstd, and writes through to a durable Backend
// (memory, SQLite or MySQL) when one is configured. Snapshots are best-effort
// recovery points, not a transactional log.
package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sort"
	"time"
)

// ErrNotFound is returned when no snapshot exists for a run.
var ErrNotFound = errors.New("checkpoint: not found")

// ErrClosed is returned by operations on a closed Manager or Backend.
var ErrClosed = errors.New("checkpoint: closed")

// ErrCorrupt is returned when a stored snapshot fails its checksum.
var ErrCorrupt = errors.New("checkpoint: checksum mismatch")

// JoinProgress is the partial barrier state of a join node. Edges maps the
// index of each resolved incoming edge to whether it was taken.
type JoinProgress struct {
	Remaining int          `json:"remaining"`
	Arrived   int          `json:"arrived"`
	Edges     map[int]bool `json:"edges,omitempty"`
}

// Snapshot is the persisted state of a run between steps.
type Snapshot struct {
	RunID string `json:"runId"`

	// Version increases with every save of the same run.
	Version int64 `json:"version"`

	GraphName string `json:"graphName,omitempty"`

	// State is the serialized execution state.
	State json.RawMessage `json:"state"`

	// Frontier lists node IDs that were ready or in flight, in dispatch order.
	Frontier []string `json:"frontier"`

	// Joins holds barriers that had partially resolved.
	Joins map[string]JoinProgress `json:"joins,omitempty"`

	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`

	// Checksum covers RunID, Step, Frontier, Joins and State.
	Checksum string `json:"checksum,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.State = slices.Clone(s.State)
	c.Frontier = slices.Clone(s.Frontier)
	if s.Joins != nil {
		c.Joins = make(map[string]JoinProgress, len(s.Joins))
		for k, jp := range s.Joins {
			jp.Edges = maps.Clone(jp.Edges)
			c.Joins[k] = jp
		}
	}
	return &c
}

// Validate checks the fields required to persist a snapshot.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("checkpoint: nil snapshot")
	}
	if s.RunID == "" {
		return errors.New("checkpoint: snapshot has no run id")
	}
	if len(s.State) > 0 && !json.Valid(s.State) {
		return errors.New("checkpoint: state is not valid JSON")
	}
	return nil
}

// computeChecksum hashes the resumable content of a snapshot. Join entries
// are hashed in key order so the result does not depend on map iteration.
func computeChecksum(s *Snapshot) string {
	h := sha256.New()
	h.Write([]byte(s.RunID))

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(s.Step))
	h.Write(buf)

	for _, id := range s.Frontier {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}

	keys := make([]string, 0, len(s.Joins))
	for k := range s.Joins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		jp := s.Joins[k]
		binary.BigEndian.PutUint64(buf, uint64(jp.Remaining))
		h.Write(buf)
		binary.BigEndian.PutUint64(buf, uint64(jp.Arrived))
		h.Write(buf)
		for _, ei := range slices.Sorted(maps.Keys(jp.Edges)) {
			binary.BigEndian.PutUint64(buf, uint64(ei))
			h.Write(buf)
			if jp.Edges[ei] {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}

	h.Write(s.State)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
