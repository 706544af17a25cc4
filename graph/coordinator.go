package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/dshills/nodegraph-go/graph/checkpoint"
	"github.com/dshills/nodegraph-go/graph/emit"
	"github.com/dshills/nodegraph-go/graph/governor"
	"github.com/dshills/nodegraph-go/internal/ctxlog"
)

// maxPathLen caps the node path carried by work items and errors.
const maxPathLen = 32

// run is the per-Execute state. A single coordinator goroutine owns the ready
// queue, barriers and counters; workers only execute nodes and report back
// over completions.
type run struct {
	exec    *Executor
	g       *Graph
	opts    Options
	id      string
	state   *State
	logger  *slog.Logger
	emitter emit.Emitter
	metrics *PrometheusMetrics

	steps    int
	lastSave int
	seq      uint64
	ready    []workItem
	inflight map[uint64]workItem
	joins    []barrier

	completions chan completion
	ckptReq     chan struct{}

	executed  []string
	skipped   []string
	lastSeq   uint64
	lastNode  string
	lastValue any
	lastPath  []string
	started   time.Time
}

type workItem struct {
	node int
	seq  uint64
	step int
	path []string
}

// barrier tracks one activation of a join node. resolved maps each incoming
// forward edge seen so far to whether it was taken; a taken edge stays taken.
type barrier struct {
	open     bool
	resolved map[int]bool
	arrived  int
	fired    bool
	path     []string
}

type completion struct {
	item     workItem
	result   Result
	err      error
	attempts int
}

func newRun(e *Executor, g *Graph, id string, state *State) *run {
	slots := 1
	if e.opts.EnableParallelExecution {
		slots = max(1, e.opts.MaxDegreeOfParallelism)
	}
	return &run{
		exec:        e,
		g:           g,
		opts:        e.opts,
		id:          id,
		state:       state,
		logger:      e.logger.With("run_id", id),
		emitter:     e.emitter,
		metrics:     e.opts.Metrics,
		inflight:    make(map[uint64]workItem),
		joins:       make([]barrier, g.NodeCount()),
		completions: make(chan completion, slots),
		ckptReq:     make(chan struct{}, 1),
	}
}

func (r *run) slots() int {
	return cap(r.completions)
}

// restore rebuilds the frontier and barriers from a snapshot.
func (r *run) restore(snap *checkpoint.Snapshot) error {
	r.steps = snap.Step
	r.lastSave = snap.Step
	for _, id := range snap.Frontier {
		i, ok := r.g.index[id]
		if !ok {
			return &EngineError{Message: fmt.Sprintf("checkpoint references unknown node %q", id), Code: "GRAPH_MISMATCH"}
		}
		r.enqueue(i, nil)
	}
	for id, jp := range snap.Joins {
		i, ok := r.g.index[id]
		if !ok {
			return &EngineError{Message: fmt.Sprintf("checkpoint references unknown join %q", id), Code: "GRAPH_MISMATCH"}
		}
		b := barrier{open: true, resolved: make(map[int]bool, len(jp.Edges))}
		for ei, taken := range jp.Edges {
			if ei < 0 || ei >= len(r.g.edges) || r.g.back[ei] || r.g.index[r.g.edges[ei].To] != i {
				return &EngineError{Message: fmt.Sprintf("checkpoint references unknown edge %d into %q", ei, id), Code: "GRAPH_MISMATCH"}
			}
			b.resolved[ei] = taken
			if taken {
				b.arrived++
			}
		}
		r.joins[i] = b
	}
	return nil
}

func (r *run) execute(parent context.Context) (*RunResult, error) {
	r.started = time.Now()
	ctx := ctxlog.WithLogger(parent, r.logger)
	if r.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.opts.ExecutionTimeout, ErrExecutionTimeout)
		defer cancel()
	}
	workCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	r.exec.active.Store(r.id, r)
	defer r.exec.active.Delete(r.id)

	r.logger.Debug("run started", "start", r.g.StartNode(), "parallel", r.opts.EnableParallelExecution)
	r.emit(emit.MsgRunStart, "", 0, map[string]any{"graph": r.g.Name()})

	err := r.loop(ctx, workCtx)
	if err != nil {
		abort(err)
		r.drain()
	}
	return r.finish(ctx, err)
}

func (r *run) loop(ctx, workCtx context.Context) error {
	for {
		if err := r.dispatch(ctx, workCtx); err != nil {
			return err
		}
		if len(r.inflight) == 0 {
			if len(r.ready) > 0 {
				continue
			}
			r.settleDeferred()
			if len(r.ready) > 0 {
				continue
			}
			if r.flushPendingJoins() {
				continue
			}
			return nil
		}

		select {
		case c := <-r.completions:
			delete(r.inflight, c.item.seq)
			r.metrics.NodeFinished()
			if err := r.complete(ctx, c); err != nil {
				return err
			}
		case <-r.ckptReq:
			r.checkpoint(ctx, "requested")
		case <-ctx.Done():
			return r.contextError(ctx)
		}
	}
}

// dispatch starts ready nodes until the queue is empty or every slot is
// busy. In sequential mode nodes run inline, one at a time.
func (r *run) dispatch(ctx, workCtx context.Context) error {
	defer func() { r.metrics.UpdateFrontierDepth(r.g.Name(), len(r.ready)) }()

	for len(r.ready) > 0 && len(r.inflight) < r.slots() {
		if ctx.Err() != nil {
			return r.contextError(ctx)
		}
		select {
		case <-r.ckptReq:
			r.checkpoint(ctx, "requested")
		default:
		}

		item := r.ready[0]
		r.ready = r.ready[1:]
		node := r.g.nodes[item.node]

		if !r.shouldExecute(ctx, node) {
			r.skipped = append(r.skipped, node.ID())
			r.emit(emit.MsgNodeSkipped, node.ID(), r.steps, nil)
			r.markDead(item.node)
			r.settleDeferred()
			continue
		}
		if limit := r.opts.MaxExecutionSteps; limit > 0 && r.steps >= limit {
			r.ready = append([]workItem{item}, r.ready...)
			return &ExecutionError{
				RunID:  r.id,
				NodeID: node.ID(),
				Path:   item.path,
				Code:   CodeMaxSteps,
				Err:    fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, limit),
			}
		}
		r.steps++
		item.step = r.steps

		if !node.IsExecutable() {
			r.route(item, Result{})
			r.maybeCheckpoint(ctx)
			continue
		}

		r.inflight[item.seq] = item
		r.metrics.NodeStarted()
		if r.opts.EnableParallelExecution {
			go func(it workItem) { r.completions <- r.runNode(workCtx, it) }(item)
			continue
		}
		c := r.runNode(workCtx, item)
		delete(r.inflight, item.seq)
		r.metrics.NodeFinished()
		if err := r.complete(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) shouldExecute(ctx context.Context, n Node) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ctxlog.FromContext(ctx).Warn("should-execute predicate panicked", "node_id", n.ID(), "panic", p)
			ok = false
		}
	}()
	return n.ShouldExecute(r.state)
}

// runNode acquires a permit, validates and executes one node, retrying per
// its policy. It runs on a worker goroutine in parallel mode and must not
// touch coordinator fields.
func (r *run) runNode(ctx context.Context, item workItem) completion {
	node := r.g.nodes[item.node]
	c := completion{item: item}

	if gov := r.opts.Governor; gov != nil {
		prio := gov.Config().DefaultPriority
		if p, ok := node.(Prioritized); ok {
			prio = p.Priority()
		}
		permit, err := gov.Acquire(ctx, prio)
		if err != nil {
			c.err = err
			return c
		}
		defer permit.Release()
		r.metrics.ObservePermitWait(permit.Waited)
	}

	if err := node.Validate(r.state); err != nil {
		c.err = err
		return c
	}

	policy := r.policyFor(node)
	timeout := nodeTimeout(policy, r.opts.DefaultNodeTimeout)
	before, after, failure := node.Hooks().snapshot()

	for attempt := 1; ; attempt++ {
		c.attempts = attempt
		r.emit(emit.MsgNodeStart, node.ID(), item.step, map[string]any{"attempt": attempt})
		for _, h := range before {
			callHook(ctx, node, "before", func() error { return h(ctx, node, r.state) })
		}

		attemptStart := time.Now()
		res, err := executeWithTimeout(ctx, node, r.state, timeout)
		if err == nil {
			if key := node.ResultKey(); key != "" {
				r.state.Set(key, res.Value)
			}
			for _, h := range after {
				callHook(ctx, node, "after", func() error { return h(ctx, node, r.state, res) })
			}
			latency := time.Since(attemptStart)
			r.metrics.RecordStepLatency(r.g.Name(), node.ID(), latency, "success")
			r.emit(emit.MsgNodeEnd, node.ID(), item.step, map[string]any{
				"attempt":    attempt,
				"latency_ms": latency.Milliseconds(),
			})
			c.result = res
			return c
		}

		for _, h := range failure {
			callHook(ctx, node, "failure", func() error { return h(ctx, node, r.state, err) })
		}
		if ctx.Err() == nil && policy.shouldRetry(attempt, err) {
			delay := computeBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay, nil)
			r.metrics.IncrementRetries(r.g.Name(), node.ID())
			r.emit(emit.MsgNodeRetry, node.ID(), item.step, map[string]any{
				"attempt": attempt,
				"delay":   delay,
				"error":   err.Error(),
			})
			if sleepCtx(ctx, delay) == nil {
				continue
			}
		}

		status := "error"
		var ee *EngineError
		if errors.As(err, &ee) && ee.Code == CodeNodeTimeout {
			status = "timeout"
		}
		r.metrics.RecordStepLatency(r.g.Name(), node.ID(), time.Since(attemptStart), status)
		r.emit(emit.MsgNodeError, node.ID(), item.step, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		c.err = err
		return c
	}
}

func (r *run) policyFor(n Node) *NodePolicy {
	if p := n.Policy(); p != nil {
		return p
	}
	return &r.opts.ErrorPolicy
}

// complete applies a finished node to the run: routing on success, the
// error policy on failure. A returned error ends the run.
func (r *run) complete(ctx context.Context, c completion) error {
	node := r.g.nodes[c.item.node]
	if c.err == nil {
		r.executed = append(r.executed, node.ID())
		if c.item.seq > r.lastSeq {
			r.lastSeq = c.item.seq
			r.lastNode = node.ID()
			r.lastValue = c.result.Value
			r.lastPath = c.item.path
		}
		r.route(c.item, c.result)
		r.maybeCheckpoint(ctx)
		return nil
	}
	if ctx.Err() != nil {
		r.ready = append([]workItem{c.item}, r.ready...)
		return r.contextError(ctx)
	}

	execErr := &ExecutionError{RunID: r.id, NodeID: node.ID(), Path: c.item.path, Code: CodeNodeFailed, Err: c.err}
	switch {
	case errors.Is(c.err, governor.ErrPermitTimeout):
		// The blocked node never ran: give back its step and put it at the
		// front so a resume retries it first.
		r.steps--
		r.ready = append([]workItem{c.item}, r.ready...)
		r.metrics.IncrementBackpressure(r.g.Name())
		r.emit(emit.MsgBackpressure, node.ID(), r.steps, map[string]any{"error": c.err.Error()})
		execErr.Code = CodeBackpressure
		execErr.Err = fmt.Errorf("%w: %w", ErrBackpressure, c.err)
		return execErr
	case errors.Is(c.err, ErrValidation):
		execErr.Code = CodeValidation
		return execErr
	}

	policy := r.policyFor(node)
	if policy.OnFailure != FailAbort && policy.Handler != "" {
		r.state.Set(LastErrorKey, c.err.Error())
		r.state.Set(LastErrorNodeKey, node.ID())
		r.emit(emit.MsgNodeRerouted, node.ID(), r.steps, map[string]any{
			"handler": policy.Handler,
			"error":   c.err.Error(),
		})
		r.logger.Warn("node failed, rerouting to handler",
			"node_id", node.ID(), "handler", policy.Handler, "error", c.err)
		r.enqueue(r.g.index[policy.Handler], c.item.path)
		r.markDead(c.item.node)
		r.settleDeferred()
		return nil
	}

	var ee *EngineError
	if errors.As(c.err, &ee) && ee.Code == CodeNodeTimeout {
		execErr.Code = CodeNodeTimeout
	}
	if policy.OnFailure == FailRetry && c.attempts >= policy.MaxAttempts {
		execErr.Err = fmt.Errorf("%w (%d): %w", ErrMaxAttemptsExceeded, c.attempts, c.err)
	}
	return execErr
}

// route resolves every outgoing edge of a finished node in insertion order.
// Routers restrict which targets may be taken.
func (r *run) route(item workItem, res Result) {
	node := r.g.nodes[item.node]
	var allowed map[string]bool
	if rt, ok := node.(Router); ok {
		allowed = make(map[string]bool)
		for _, id := range rt.NextNodes(res, r.state) {
			allowed[id] = true
		}
	}

	for _, ei := range r.g.out[item.node] {
		e := r.g.edges[ei]
		taken := (allowed == nil || allowed[e.To]) && r.evaluate(e)
		to := r.g.index[e.To]
		if r.g.back[ei] {
			if taken {
				r.enqueue(to, item.path)
			}
			continue
		}
		r.resolve(to, ei, taken, item.path)
	}
	r.settleDeferred()
}

func (r *run) evaluate(e *Edge) (taken bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("edge condition panicked", "edge", e.String(), "panic", p)
			taken = false
		}
	}()
	return e.EvaluateCondition(r.state)
}

// resolve records the outcome of one forward edge into a join barrier. A
// repeated resolution of the same edge only upgrades "not taken" to "taken".
func (r *run) resolve(to, edge int, taken bool, path []string) {
	b := &r.joins[to]
	if !b.open {
		*b = barrier{open: true, resolved: make(map[int]bool, r.g.inDegree[to])}
	}
	if prev, seen := b.resolved[edge]; seen && (prev || !taken) {
		return
	}
	b.resolved[edge] = taken
	if taken {
		b.arrived++
		if b.path == nil {
			b.path = path
		}
		if r.opts.JoinPolicy == JoinFirstArrival && !b.fired {
			b.fired = true
			r.enqueue(to, path)
		}
	}
	// Exit edges settle once the caller has finished routing, when the
	// cycle's pending work is known.
	if !r.g.exits[edge] {
		r.settle(to)
	}
}

// settle closes the barrier of node once every incoming forward edge has
// resolved and no cycle feeding it through an exit edge has work left, since
// another pass could still take that edge.
func (r *run) settle(node int) {
	b := r.joins[node]
	if !b.open || len(b.resolved) < r.g.inDegree[node] {
		return
	}
	for ei := range b.resolved {
		if r.g.exits[ei] && r.componentBusy(r.g.comp[r.g.index[r.g.edges[ei].From]]) {
			return
		}
	}

	r.joins[node] = barrier{}
	switch {
	case b.arrived == 0:
		if r.g.inDegree[node] > 1 {
			r.emit(emit.MsgJoinDead, r.g.nodes[node].ID(), r.steps, nil)
		}
		r.markDead(node)
	case !b.fired:
		r.enqueue(node, b.path)
	}
}

// settleDeferred retries barriers held back by a cycle that was still busy.
func (r *run) settleDeferred() {
	for i := range r.joins {
		r.settle(i)
	}
}

// componentBusy reports whether a queued or running node belongs to comp.
func (r *run) componentBusy(comp int) bool {
	for _, it := range r.ready {
		if r.g.comp[it.node] == comp {
			return true
		}
	}
	for _, it := range r.inflight {
		if r.g.comp[it.node] == comp {
			return true
		}
	}
	return false
}

// markDead propagates "not taken" along the forward edges of a node that
// will not run in this activation.
func (r *run) markDead(node int) {
	for _, ei := range r.g.out[node] {
		if r.g.back[ei] {
			continue
		}
		r.resolve(r.g.index[r.g.edges[ei].To], ei, false, nil)
	}
}

// flushPendingJoins fires joins that received arrivals but can no longer
// complete because the rest of the run has drained, for example when a
// missing arrival was a provisional cycle exit. Reports whether any fired.
func (r *run) flushPendingJoins() bool {
	fired := false
	for i := range r.joins {
		b := r.joins[i]
		if !b.open {
			continue
		}
		r.joins[i] = barrier{}
		if b.arrived > 0 && !b.fired {
			r.logger.Debug("firing incomplete join", "node_id", r.g.nodes[i].ID(), "remaining", r.g.inDegree[i]-len(b.resolved))
			r.enqueue(i, b.path)
			fired = true
		}
	}
	return fired
}

func (r *run) enqueue(node int, path []string) {
	r.seq++
	p := append(slices.Clone(path), r.g.nodes[node].ID())
	if len(p) > maxPathLen {
		p = p[len(p)-maxPathLen:]
	}
	r.ready = append(r.ready, workItem{node: node, seq: r.seq, path: p})
}

// drain waits for in-flight workers after an abort and puts their items back
// at the front of the queue so a checkpoint can reschedule them.
func (r *run) drain() {
	var back []workItem
	for len(r.inflight) > 0 {
		c := <-r.completions
		delete(r.inflight, c.item.seq)
		r.metrics.NodeFinished()
		back = append(back, c.item)
	}
	slices.SortFunc(back, func(a, b workItem) int { return int(a.seq) - int(b.seq) })
	r.ready = append(back, r.ready...)
}

// contextError attributes a timeout or cancellation to the earliest running
// node, or to the head of the ready queue when nothing is running.
func (r *run) contextError(ctx context.Context) error {
	ee := &ExecutionError{RunID: r.id, Code: CodeCancelled, Err: fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))}
	if cause := context.Cause(ctx); errors.Is(cause, ErrExecutionTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		ee.Code, ee.Err = CodeTimeout, ErrExecutionTimeout
	}
	if it, ok := r.pendingHead(); ok {
		ee.NodeID = r.g.nodes[it.node].ID()
		ee.Path = it.path
	}
	return ee
}

func (r *run) pendingHead() (workItem, bool) {
	var head workItem
	found := false
	for _, it := range r.inflight {
		if !found || it.seq < head.seq {
			head, found = it, true
		}
	}
	if !found && len(r.ready) > 0 {
		return r.ready[0], true
	}
	return head, found
}

func (r *run) maybeCheckpoint(ctx context.Context) {
	if r.opts.Checkpointer == nil || r.opts.CheckpointInterval <= 0 {
		return
	}
	if r.steps-r.lastSave >= r.opts.CheckpointInterval {
		r.checkpoint(ctx, "interval")
	}
}

// checkpoint saves a snapshot. Failures are logged and counted, never fatal.
func (r *run) checkpoint(ctx context.Context, reason string) {
	if r.opts.Checkpointer == nil {
		return
	}
	r.lastSave = r.steps

	snap, err := r.snapshot()
	if err == nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		err = r.opts.Checkpointer.Save(saveCtx, snap)
		cancel()
	}
	r.metrics.RecordCheckpoint(err)
	if err != nil {
		r.logger.Warn("checkpoint failed", "reason", reason, "error", err)
		r.emit(emit.MsgCheckpointFailed, "", r.steps, map[string]any{"reason": reason, "error": err.Error()})
		return
	}
	r.emit(emit.MsgCheckpointSaved, "", r.steps, map[string]any{"reason": reason, "frontier": snap.Frontier})
}

// snapshot captures in-flight nodes (in dispatch order) followed by the
// ready queue, plus every partially resolved barrier.
func (r *run) snapshot() (*checkpoint.Snapshot, error) {
	stateJSON, err := json.Marshal(r.state)
	if err != nil {
		return nil, fmt.Errorf("serialize state: %w", err)
	}

	pending := make([]workItem, 0, len(r.inflight)+len(r.ready))
	for _, it := range r.inflight {
		pending = append(pending, it)
	}
	slices.SortFunc(pending, func(a, b workItem) int { return int(a.seq) - int(b.seq) })
	pending = append(pending, r.ready...)

	frontier := make([]string, len(pending))
	for i, it := range pending {
		frontier[i] = r.g.nodes[it.node].ID()
	}

	var joins map[string]checkpoint.JoinProgress
	for i, b := range r.joins {
		if !b.open {
			continue
		}
		if joins == nil {
			joins = make(map[string]checkpoint.JoinProgress)
		}
		joins[r.g.nodes[i].ID()] = checkpoint.JoinProgress{
			Remaining: r.g.inDegree[i] - len(b.resolved),
			Arrived:   b.arrived,
			Edges:     maps.Clone(b.resolved),
		}
	}

	return &checkpoint.Snapshot{
		RunID:     r.id,
		GraphName: r.g.Name(),
		State:     stateJSON,
		Frontier:  frontier,
		Joins:     joins,
		Step:      r.steps,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (r *run) finish(ctx context.Context, err error) (*RunResult, error) {
	res := &RunResult{
		RunID:    r.id,
		State:    r.state,
		Result:   r.lastValue,
		LastNode: r.lastNode,
		Path:     r.lastPath,
		Steps:    r.steps,
		Executed: r.executed,
		Skipped:  r.skipped,
		Duration: time.Since(r.started),
		Err:      err,
	}
	switch {
	case err == nil:
		res.Status = StatusCompleted
	case errors.Is(err, ErrBackpressure):
		res.Status = StatusPaused
	case errors.Is(err, ErrMaxStepsExceeded), errors.Is(err, ErrExecutionTimeout):
		res.Status = StatusTruncated
		res.Truncated = true
	case errors.Is(err, ErrCancelled):
		res.Status = StatusCancelled
	default:
		res.Status = StatusFailed
	}

	if err != nil && res.Status != StatusFailed && len(r.ready) > 0 {
		r.checkpoint(ctx, string(res.Status))
	}

	r.metrics.RecordRun(r.g.Name(), res.Status)
	meta := map[string]any{"status": string(res.Status), "steps": r.steps, "latency_ms": res.Duration.Milliseconds()}
	if err != nil {
		meta["error"] = err.Error()
	}
	r.emit(emit.MsgRunEnd, "", r.steps, meta)
	if err != nil {
		r.logger.Warn("run ended", "status", res.Status, "steps", r.steps, "error", err)
	} else {
		r.logger.Debug("run ended", "status", res.Status, "steps", r.steps, "duration", res.Duration)
	}
	return res, err
}

func (r *run) emit(msg, nodeID string, step int, meta map[string]any) {
	r.emitter.Emit(emit.Event{RunID: r.id, Step: step, NodeID: nodeID, Msg: msg, Meta: meta})
}
