package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/nodegraph-go/graph/checkpoint"
	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/internal/ctxlog"
)

// Executor builds a graph and runs it.
//
// Build the topology with AddNode, Connect* and SetStartNode, then call
// Execute any number of times, concurrently if needed. Each call creates an
// independent run with its own State, frontier and barriers. Changing the
// topology while runs are active only affects runs started afterwards.
//
// Example:
//
//	exec, _ := graph.NewExecutor("routing", graph.WithParallel(4))
//	_ = exec.AddNodes(classify, semantic, statistical, summary)
//	_ = exec.ConnectWhen("classify", "semantic", graph.EqualsCondition("mode", "semantic"))
//	_ = exec.ConnectWhen("classify", "statistical", graph.EqualsCondition("mode", "statistical"))
//	_ = exec.Connect("semantic", "summary")
//	_ = exec.Connect("statistical", "summary")
//	_ = exec.SetStartNode("classify")
//
//	res, err := exec.Execute(ctx, graph.NewStateFrom(map[string]any{"text": input}))
type Executor struct {
	mu sync.RWMutex

	id          string
	name        string
	description string

	nodes   []Node
	nodeIDs map[string]struct{}
	edges   []*Edge
	start   string

	// built caches the validated graph until the topology changes.
	built *Graph

	opts    Options
	logger  *slog.Logger
	emitter emit.Emitter

	active sync.Map // run ID -> *run
}

// NewExecutor creates an executor named name. Options are applied on top of
// DefaultOptions.
func NewExecutor(name string, opts ...Option) (*Executor, error) {
	if name == "" {
		return nil, &EngineError{Message: "executor name cannot be empty", Code: "INVALID_NAME"}
	}
	cfg := &engineConfig{opts: DefaultOptions()}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	e := &Executor{
		id:      uuid.NewString(),
		name:    name,
		nodeIDs: make(map[string]struct{}),
		opts:    cfg.opts,
		emitter: cfg.opts.Emitter,
	}
	switch {
	case !cfg.opts.EnableLogging:
		e.logger = ctxlog.Discard()
	case cfg.opts.Logger != nil:
		e.logger = cfg.opts.Logger
	default:
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("graph", name)
	if e.emitter == nil {
		e.emitter = emit.NewNullEmitter()
	}
	if !cfg.opts.EnableMetrics {
		e.opts.Metrics = nil
	}
	return e, nil
}

func (e *Executor) ID() string   { return e.id }
func (e *Executor) Name() string { return e.name }

func (e *Executor) Description() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.description
}

func (e *Executor) SetDescription(desc string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.description = desc
	e.built = nil
}

// Options returns the executor's configuration.
func (e *Executor) Options() Options { return e.opts }

// NodeCount returns the number of registered nodes.
func (e *Executor) NodeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.nodes)
}

// AddNode registers a node. IDs must be unique.
func (e *Executor) AddNode(n Node) error {
	if n == nil {
		return &EngineError{Message: "node cannot be nil", Code: "INVALID_NODE"}
	}
	if n.ID() == "" {
		return &EngineError{Message: "node ID cannot be empty", Code: "INVALID_NODE"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodeIDs[n.ID()]; exists {
		return &EngineError{Message: "duplicate node ID: " + n.ID(), Code: "DUPLICATE_NODE"}
	}
	e.nodeIDs[n.ID()] = struct{}{}
	e.nodes = append(e.nodes, n)
	e.built = nil
	return nil
}

// AddNodes registers several nodes, stopping at the first error.
func (e *Executor) AddNodes(nodes ...Node) error {
	for _, n := range nodes {
		if err := e.AddNode(n); err != nil {
			return err
		}
	}
	return nil
}

// Connect adds an unconditional edge.
func (e *Executor) Connect(from, to string) error {
	return e.AddEdge(NewEdge(from, to))
}

// ConnectWhen adds an edge taken when cond holds for the State.
func (e *Executor) ConnectWhen(from, to string, cond StateCondition) error {
	return e.AddEdge(NewStateEdge(from, to, cond))
}

// ConnectWhenArgs adds an edge taken when cond holds for the raw arguments.
func (e *Executor) ConnectWhenArgs(from, to string, cond ArgsCondition) error {
	return e.AddEdge(NewArgsEdge(from, to, cond))
}

// AddEdge appends edge. Both endpoints must already be registered.
func (e *Executor) AddEdge(edge *Edge) error {
	if edge == nil {
		return &EngineError{Message: "edge cannot be nil", Code: "INVALID_EDGE"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range []string{edge.From, edge.To} {
		if _, ok := e.nodeIDs[id]; !ok {
			return &EngineError{Message: fmt.Sprintf("edge %s: unknown node %q", edge, id), Code: "NODE_NOT_FOUND"}
		}
	}
	e.edges = append(e.edges, edge)
	e.built = nil
	return nil
}

// SetStartNode sets the entry node.
func (e *Executor) SetStartNode(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.nodeIDs[id]; !ok {
		return &EngineError{Message: "start node does not exist: " + id, Code: "NODE_NOT_FOUND"}
	}
	e.start = id
	e.built = nil
	return nil
}

// Graph validates the topology and returns the immutable graph runs execute.
// Targets of routers such as ConditionalNode and LoopNode that were not
// connected explicitly get an unconditional edge.
func (e *Executor) Graph() (*Graph, error) {
	e.mu.RLock()
	if g := e.built; g != nil {
		e.mu.RUnlock()
		return g, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.built != nil {
		return e.built, nil
	}

	edges := slices.Clone(e.edges)
	connected := make(map[[2]string]bool, len(edges))
	for _, edge := range edges {
		connected[[2]string{edge.From, edge.To}] = true
	}
	for _, n := range e.nodes {
		t, ok := n.(targeter)
		if !ok {
			continue
		}
		for _, to := range t.Targets() {
			key := [2]string{n.ID(), to}
			if !connected[key] {
				connected[key] = true
				edges = append(edges, NewEdge(n.ID(), to))
			}
		}
	}

	g, err := buildGraph(e.id, e.name, e.description, e.nodes, edges, e.start)
	if err != nil {
		return nil, err
	}
	e.built = g
	return g, nil
}

// Validate reports every topology violation.
func (e *Executor) Validate() error {
	_, err := e.Graph()
	return err
}

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusTruncated RunStatus = "truncated"
	StatusPaused    RunStatus = "paused"
)

// RunResult describes a finished run. It is never modified after Execute
// returns.
type RunResult struct {
	RunID  string
	Status RunStatus

	// State is the run's State, partial when the run stopped early.
	State *State

	// Result is the value of LastNode: among the nodes that succeeded, the
	// one dispatched last. Dispatch order follows the ready queue rather than
	// completion timing, so sibling sinks of one fork report the same Result
	// in sequential and parallel mode.
	Result   any
	LastNode string

	// Path leads to LastNode, most recent last.
	Path []string

	Steps int

	// Truncated is set when the step ceiling or time budget ended the run.
	Truncated bool

	// Executed lists nodes in completion order; Skipped lists nodes whose
	// should-execute predicate declined.
	Executed []string
	Skipped  []string

	Duration time.Duration
	Err      error
}

// Succeeded reports whether the run completed.
func (r *RunResult) Succeeded() bool { return r.Status == StatusCompleted }

// Execute runs the graph from its start node against state, which may be nil.
// On failure both the error and a RunResult carrying the partial State are
// returned; the error is also stored in RunResult.Err.
func (e *Executor) Execute(ctx context.Context, state *State, opts ...RunOption) (*RunResult, error) {
	g, err := e.Graph()
	if err != nil {
		return nil, err
	}
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.runID == "" {
		rc.runID = uuid.NewString()
	}
	if state == nil {
		state = NewState()
	}

	r := newRun(e, g, rc.runID, state)
	r.enqueue(g.start, nil)
	return r.execute(ctx)
}

// Resume continues a run from its latest checkpoint. The executor must have a
// Checkpointer and the same topology that produced the snapshot.
func (e *Executor) Resume(ctx context.Context, runID string) (*RunResult, error) {
	if e.opts.Checkpointer == nil {
		return nil, &EngineError{Message: "no checkpointer configured", Code: "NO_CHECKPOINTER"}
	}
	g, err := e.Graph()
	if err != nil {
		return nil, err
	}
	snap, err := e.opts.Checkpointer.Load(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	if snap.GraphName != "" && snap.GraphName != g.Name() {
		return nil, &EngineError{
			Message: fmt.Sprintf("checkpoint %s belongs to graph %q", runID, snap.GraphName),
			Code:    "GRAPH_MISMATCH",
		}
	}

	state := NewState()
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, state); err != nil {
			return nil, fmt.Errorf("restore state of %s: %w", runID, err)
		}
	}
	r := newRun(e, g, runID, state)
	if err := r.restore(snap); err != nil {
		return nil, err
	}
	e.logger.Info("resuming run", "run_id", runID, "step", snap.Step, "frontier", snap.Frontier)
	return r.execute(ctx)
}

// RequestCheckpoint asks an active run to save a snapshot at its next step
// boundary. It reports whether the run was found.
func (e *Executor) RequestCheckpoint(runID string) bool {
	v, ok := e.active.Load(runID)
	if !ok {
		return false
	}
	select {
	case v.(*run).ckptReq <- struct{}{}:
	default:
	}
	return true
}

// ActiveRuns returns the IDs of runs currently executing.
func (e *Executor) ActiveRuns() []string {
	var ids []string
	e.active.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}
