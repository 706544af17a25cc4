package emit

// Event is an observability record emitted by the executor.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Step is the step counter when the event was emitted. Zero for
	// run-level events.
	Step int

	// NodeID is empty for run-level events.
	NodeID string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta carries event-specific fields such as "latency_ms", "error",
	// "attempt" or "status".
	Meta map[string]any
}

// Event messages emitted by the executor.
const (
	MsgRunStart         = "run_start"
	MsgRunEnd           = "run_end"
	MsgNodeStart        = "node_start"
	MsgNodeEnd          = "node_end"
	MsgNodeError        = "node_error"
	MsgNodeSkipped      = "node_skipped"
	MsgNodeRetry        = "node_retry"
	MsgNodeRerouted     = "node_rerouted"
	MsgJoinDead         = "join_dead"
	MsgBackpressure     = "backpressure"
	MsgCheckpointSaved  = "checkpoint_saved"
	MsgCheckpointFailed = "checkpoint_failed"
)
