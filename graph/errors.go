// Package graph provides the node-graph execution engine.
package graph

import (
	"errors"
	"strings"
)

// ErrMaxStepsExceeded indicates the run reached MaxExecutionSteps without
// draining its frontier. The partial State is returned with Truncated set.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrExecutionTimeout indicates the run's wall-clock budget elapsed.
var ErrExecutionTimeout = errors.New("execution exceeded time budget")

// ErrCancelled indicates the caller cancelled the run.
var ErrCancelled = errors.New("execution cancelled")

// ErrBackpressure indicates a permit could not be acquired in time. The run
// pauses with a checkpoint so it can be resumed once pressure subsides.
var ErrBackpressure = errors.New("resource governor backpressure")

// ErrValidation indicates a node's preconditions were not met.
var ErrValidation = errors.New("node validation failed")

// ErrMaxAttemptsExceeded is returned when a node keeps failing after its retry
// policy is exhausted.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrInvalidRetryPolicy is returned by NodePolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrNoCheckpoint is returned by Resume when no snapshot exists for the run.
var ErrNoCheckpoint = errors.New("no checkpoint for run")

// EngineError reports misconfiguration detected while building a graph or
// starting a run.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ValidationError is returned by Node.Validate when preconditions are unmet.
type ValidationError struct {
	NodeID  string
	Missing []string
	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.NodeID != "" {
		b.WriteString(" for node " + e.NodeID)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if len(e.Missing) > 0 {
		b.WriteString(" (missing: " + strings.Join(e.Missing, ", ") + ")")
	}
	return b.String()
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExecutionError attributes a run failure to the node and edge path that
// produced it.
type ExecutionError struct {
	RunID  string
	NodeID string
	// Path is the sequence of node IDs that led to NodeID, most recent last.
	Path []string
	Code string
	Err  error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	if e.Code != "" {
		b.WriteString(e.Code + ": ")
	}
	if e.NodeID != "" {
		b.WriteString("node " + e.NodeID)
		if len(e.Path) > 1 {
			b.WriteString(" (via " + strings.Join(e.Path, " -> ") + ")")
		}
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Error codes carried by ExecutionError.
const (
	CodeNodeFailed    = "NODE_FAILED"
	CodeValidation    = "VALIDATION_FAILED"
	CodeBackpressure  = "BACKPRESSURE"
	CodeMaxSteps      = "MAX_STEPS_EXCEEDED"
	CodeTimeout       = "EXECUTION_TIMEOUT"
	CodeCancelled     = "CANCELLED"
	CodeNodeTimeout   = "NODE_TIMEOUT"
	CodeHandlerFailed = "ERROR_HANDLER_MISSING"
)
