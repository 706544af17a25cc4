package graph

import (
	"context"
	"log/slog"
	"time"

	"github.com/dshills/nodegraph-go/graph/checkpoint"
	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/governor"
)

// JoinPolicy decides when a node with several incoming edges fires.
type JoinPolicy int

const (
	// JoinTakenPaths waits until every incoming forward edge has resolved
	// (taken or not) and fires once if at least one was taken.
	JoinTakenPaths JoinPolicy = iota

	// JoinFirstArrival fires on the first taken edge and ignores later
	// arrivals until the barrier resets.
	JoinFirstArrival
)

func (p JoinPolicy) String() string {
	if p == JoinFirstArrival {
		return "first_arrival"
	}
	return "taken_paths"
}

// CheckpointStore persists run snapshots. *checkpoint.Manager implements it.
type CheckpointStore interface {
	Save(ctx context.Context, snap *checkpoint.Snapshot) error
	Load(ctx context.Context, runID string) (*checkpoint.Snapshot, error)
}

// Options configures an Executor.
type Options struct {
	// EnableLogging routes engine diagnostics to Logger. When false a
	// discard logger is used.
	EnableLogging bool
	Logger        *slog.Logger

	// EnableMetrics records Prometheus metrics to Metrics.
	EnableMetrics bool
	Metrics       *PrometheusMetrics

	// MaxExecutionSteps caps node visits per run. Zero means unlimited.
	MaxExecutionSteps int

	// ExecutionTimeout is the per-run wall-clock budget. Zero means none.
	ExecutionTimeout time.Duration

	// EnableParallelExecution runs ready nodes concurrently, at most
	// MaxDegreeOfParallelism at a time.
	EnableParallelExecution bool
	MaxDegreeOfParallelism  int

	// DefaultNodeTimeout bounds each attempt of nodes whose policy sets none.
	DefaultNodeTimeout time.Duration

	// ErrorPolicy applies to nodes without their own policy.
	ErrorPolicy NodePolicy

	JoinPolicy JoinPolicy

	// Governor, when set, must grant a permit before each node executes.
	Governor *governor.Governor

	// Checkpointer receives snapshots every CheckpointInterval steps (0
	// disables periodic saves), on RequestCheckpoint and when a run stops
	// early with work left.
	Checkpointer       CheckpointStore
	CheckpointInterval int

	// Emitter receives run and node events.
	Emitter emit.Emitter
}

// DefaultOptions returns sequential execution with logging on and a 1000
// step ceiling.
func DefaultOptions() Options {
	return Options{
		EnableLogging:          true,
		MaxExecutionSteps:      1000,
		MaxDegreeOfParallelism: 4,
	}
}

// Option is a functional option for NewExecutor.
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// WithOptions replaces the whole option set. Later options still apply on top.
func WithOptions(o Options) Option {
	return func(cfg *engineConfig) error {
		cfg.opts = o
		return nil
	}
}

// WithMaxSteps sets MaxExecutionSteps.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "max steps must be >= 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxExecutionSteps = n
		return nil
	}
}

// WithExecutionTimeout sets the per-run wall-clock budget.
func WithExecutionTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.ExecutionTimeout = d
		return nil
	}
}

// WithParallel enables concurrent execution with up to n nodes in flight.
func WithParallel(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Message: "parallelism must be >= 1", Code: "INVALID_OPTION"}
		}
		cfg.opts.EnableParallelExecution = true
		cfg.opts.MaxDegreeOfParallelism = n
		return nil
	}
}

// WithSequential disables concurrent execution.
func WithSequential() Option {
	return func(cfg *engineConfig) error {
		cfg.opts.EnableParallelExecution = false
		return nil
	}
}

// WithDefaultNodeTimeout sets the attempt timeout for nodes without one.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithErrorPolicy sets the policy for nodes without their own.
func WithErrorPolicy(p NodePolicy) Option {
	return func(cfg *engineConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.opts.ErrorPolicy = p
		return nil
	}
}

// WithJoinPolicy selects how join nodes fire.
func WithJoinPolicy(p JoinPolicy) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.JoinPolicy = p
		return nil
	}
}

// WithGovernor throttles node execution through g.
func WithGovernor(g *governor.Governor) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Governor = g
		return nil
	}
}

// WithCheckpointer saves snapshots to store every interval steps.
func WithCheckpointer(store CheckpointStore, interval int) Option {
	return func(cfg *engineConfig) error {
		if interval < 0 {
			return &EngineError{Message: "checkpoint interval must be >= 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.Checkpointer = store
		cfg.opts.CheckpointInterval = interval
		return nil
	}
}

// WithEmitter sets the event sink.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		cfg.opts.EnableMetrics = m != nil
		return nil
	}
}

// WithLogger enables logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Logger = l
		cfg.opts.EnableLogging = l != nil
		return nil
	}
}

// WithLogging toggles engine logging.
func WithLogging(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.EnableLogging = enabled
		return nil
	}
}

// RunOption configures a single Execute call.
type RunOption func(*runConfig)

type runConfig struct {
	runID string
}

// WithRunID sets the run ID instead of generating one. Reusing the ID of a
// checkpointed run overwrites its snapshots.
func WithRunID(id string) RunOption {
	return func(rc *runConfig) { rc.runID = id }
}
