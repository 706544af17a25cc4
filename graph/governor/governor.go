// Package governor throttles node execution with a token bucket that adapts
// to CPU and memory pressure and serves waiters in priority order.
package governor

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrPermitTimeout is returned when a permit is not granted within
// Config.AcquireTimeout. Callers treat it as backpressure.
var ErrPermitTimeout = errors.New("governor: permit acquisition timed out")

// Priority orders waiters. Higher priorities are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the names returned by Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("governor: unknown priority %q", s)
}

// Config controls pacing and pressure thresholds.
type Config struct {
	// BasePermitsPerSecond is the unthrottled refill rate. <= 0 means unlimited.
	BasePermitsPerSecond float64

	// MaxBurstSize is the bucket capacity.
	MaxBurstSize int

	// CPU usage above CPUSoftLimitPercent scales the rate down linearly,
	// reaching a 10% floor at CPUHighWatermarkPercent. At or above the
	// watermark acquisitions block. Zero disables the check.
	CPUSoftLimitPercent     float64
	CPUHighWatermarkPercent float64

	// MinAvailableMemoryMB blocks acquisitions while available memory is
	// below it. Zero disables the check.
	MinAvailableMemoryMB uint64

	// DefaultPriority is used by callers that have no priority of their own.
	DefaultPriority Priority

	// AcquireTimeout bounds a single Acquire. Zero waits until the context ends.
	AcquireTimeout time.Duration

	// PollInterval is how often a blocked head waiter re-reads system pressure.
	PollInterval time.Duration
}

// DefaultConfig returns moderate defaults suited to a single process.
func DefaultConfig() Config {
	return Config{
		BasePermitsPerSecond:    100,
		MaxBurstSize:            20,
		CPUSoftLimitPercent:     70,
		CPUHighWatermarkPercent: 90,
		MinAvailableMemoryMB:    256,
		DefaultPriority:         PriorityNormal,
		AcquireTimeout:          30 * time.Second,
		PollInterval:            250 * time.Millisecond,
	}
}

// Validate checks the thresholds for consistency.
func (c Config) Validate() error {
	if c.BasePermitsPerSecond > 0 && c.MaxBurstSize < 1 {
		return errors.New("governor: MaxBurstSize must be >= 1 when rate limited")
	}
	if c.CPUHighWatermarkPercent < 0 || c.CPUHighWatermarkPercent > 100 ||
		c.CPUSoftLimitPercent < 0 || c.CPUSoftLimitPercent > 100 {
		return errors.New("governor: CPU thresholds must be within [0,100]")
	}
	if c.CPUSoftLimitPercent > 0 && c.CPUHighWatermarkPercent > 0 && c.CPUSoftLimitPercent >= c.CPUHighWatermarkPercent {
		return errors.New("governor: CPUSoftLimitPercent must be below CPUHighWatermarkPercent")
	}
	if c.AcquireTimeout < 0 {
		return errors.New("governor: AcquireTimeout must not be negative")
	}
	return nil
}

// Stats is a point-in-time view of the governor.
type Stats struct {
	Granted     uint64
	Timeouts    uint64
	Cancelled   uint64
	InFlight    int
	Waiting     int
	CurrentRate float64
}

// Governor hands out permits. It is safe for concurrent use and is usually
// shared by every run of a process.
type Governor struct {
	cfg     Config
	limiter *rate.Limiter
	monitor Monitor
	logger  *slog.Logger

	mu        sync.Mutex
	waiters   waiterQueue
	seq       uint64
	changed   chan struct{}
	inflight  int
	granted   uint64
	timeouts  uint64
	cancelled uint64
}

// Option configures a Governor.
type Option func(*Governor)

// WithMonitor sets the source of CPU and memory readings. Without one the
// governor only paces.
func WithMonitor(m Monitor) Option {
	return func(g *Governor) { g.monitor = m }
}

// WithLogger sets the logger used for pressure diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a Governor.
func New(cfg Config, opts ...Option) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.BasePermitsPerSecond > 0 {
		limit = rate.Limit(cfg.BasePermitsPerSecond)
	}
	g := &Governor{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.MaxBurstSize),
		logger:  slog.Default(),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the governor's configuration.
func (g *Governor) Config() Config { return g.cfg }

// Acquire blocks until a permit is granted, the context ends, or
// AcquireTimeout elapses (ErrPermitTimeout).
func (g *Governor) Acquire(ctx context.Context, p Priority) (*Permit, error) {
	start := time.Now()
	if g.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, g.cfg.AcquireTimeout, ErrPermitTimeout)
		defer cancel()
	}

	w := g.enqueue(p)
	defer g.dequeue(w)

	for {
		head, changed := g.head(w)
		if !head {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, g.fail(ctx, start)
			}
		}

		blocked, factor := g.pressure(ctx)
		if blocked {
			t := time.NewTimer(g.cfg.PollInterval)
			select {
			case <-t.C:
				continue
			case <-changed:
				t.Stop()
				continue
			case <-ctx.Done():
				t.Stop()
				return nil, g.fail(ctx, start)
			}
		}
		g.adjustRate(factor)

		r := g.limiter.Reserve()
		if !r.OK() {
			return nil, fmt.Errorf("governor: reservation refused (burst %d)", g.cfg.MaxBurstSize)
		}
		delay := r.Delay()
		if delay == 0 {
			return g.grant(p, start), nil
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
			return g.grant(p, start), nil
		case <-changed:
			// A higher priority waiter took the head.
			t.Stop()
			r.Cancel()
		case <-ctx.Done():
			t.Stop()
			r.Cancel()
			return nil, g.fail(ctx, start)
		}
	}
}

// Stats returns counters and the current effective rate.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Granted:     g.granted,
		Timeouts:    g.timeouts,
		Cancelled:   g.cancelled,
		InFlight:    g.inflight,
		Waiting:     g.waiters.Len(),
		CurrentRate: float64(g.limiter.Limit()),
	}
}

func (g *Governor) grant(p Priority, start time.Time) *Permit {
	g.mu.Lock()
	g.inflight++
	g.granted++
	g.mu.Unlock()
	return &Permit{g: g, Priority: p, Waited: time.Since(start)}
}

func (g *Governor) fail(ctx context.Context, start time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if errors.Is(context.Cause(ctx), ErrPermitTimeout) {
		g.timeouts++
		return fmt.Errorf("%w after %v", ErrPermitTimeout, time.Since(start).Round(time.Millisecond))
	}
	g.cancelled++
	return ctx.Err()
}

// pressure reads the monitor. Read errors are logged and treated as no
// pressure so a broken probe never wedges the engine.
func (g *Governor) pressure(ctx context.Context) (blocked bool, factor float64) {
	factor = 1
	if g.monitor == nil {
		return false, factor
	}
	if g.cfg.MinAvailableMemoryMB > 0 {
		avail, err := g.monitor.AvailableMemoryMB(ctx)
		if err != nil {
			g.logger.Debug("memory probe failed", "error", err)
		} else if avail < g.cfg.MinAvailableMemoryMB {
			g.logger.Debug("memory pressure, holding permits",
				"available_mb", avail, "min_mb", g.cfg.MinAvailableMemoryMB)
			return true, factor
		}
	}
	soft, high := g.cfg.CPUSoftLimitPercent, g.cfg.CPUHighWatermarkPercent
	if soft <= 0 && high <= 0 {
		return false, factor
	}
	cpu, err := g.monitor.CPUPercent(ctx)
	if err != nil {
		g.logger.Debug("cpu probe failed", "error", err)
		return false, factor
	}
	if high > 0 && cpu >= high {
		g.logger.Debug("cpu above high watermark, holding permits", "cpu_percent", cpu)
		return true, factor
	}
	if soft > 0 && high > soft && cpu > soft {
		factor = max(0.1, 1-(cpu-soft)/(high-soft))
	}
	return false, factor
}

func (g *Governor) adjustRate(factor float64) {
	if g.cfg.BasePermitsPerSecond <= 0 {
		return
	}
	want := rate.Limit(g.cfg.BasePermitsPerSecond * factor)
	if g.limiter.Limit() != want {
		g.limiter.SetLimit(want)
	}
}

func (g *Governor) enqueue(p Priority) *waiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	w := &waiter{priority: p, seq: g.seq}
	heap.Push(&g.waiters, w)
	if g.waiters[0] == w {
		g.signalLocked()
	}
	return w
}

func (g *Governor) dequeue(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.index < 0 {
		return
	}
	wasHead := w.index == 0
	heap.Remove(&g.waiters, w.index)
	if wasHead {
		g.signalLocked()
	}
}

// head reports whether w is first in line, plus the channel closed on the
// next head change.
func (g *Governor) head(w *waiter) (bool, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters) > 0 && g.waiters[0] == w, g.changed
}

func (g *Governor) signalLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Permit is a granted execution slot. Release it when the work is done.
type Permit struct {
	g        *Governor
	once     sync.Once
	Priority Priority
	// Waited is how long Acquire blocked.
	Waited time.Duration
}

// Release returns the permit. Extra calls are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.g.mu.Lock()
		p.g.inflight--
		p.g.mu.Unlock()
	})
}

type waiter struct {
	priority Priority
	seq      uint64
	index    int
}

// waiterQueue is a heap ordered by priority (high first), then arrival.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
