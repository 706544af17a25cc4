package graph

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// State keys written when a failure is rerouted to an error handler.
const (
	LastErrorKey     = "last_error"
	LastErrorNodeKey = "last_error_node"
)

// FailureAction decides what the executor does when a node's computation fails.
type FailureAction int

const (
	// FailAbort stops the run and returns the error (default).
	FailAbort FailureAction = iota

	// FailReroute records the error in State and activates Handler in place
	// of the failing node's successors.
	FailReroute

	// FailRetry re-invokes the node with exponential backoff. When attempts
	// are exhausted the run is rerouted to Handler if set, otherwise aborted.
	FailRetry
)

func (a FailureAction) String() string {
	switch a {
	case FailAbort:
		return "abort"
	case FailReroute:
		return "reroute"
	case FailRetry:
		return "retry"
	default:
		return fmt.Sprintf("FailureAction(%d)", int(a))
	}
}

// NodePolicy configures how a node is executed and what happens when it
// fails. Nodes without a policy fall back to Options.ErrorPolicy.
type NodePolicy struct {
	// Timeout bounds a single attempt. Zero falls back to
	// Options.DefaultNodeTimeout; both zero means unlimited.
	Timeout time.Duration

	OnFailure FailureAction

	// MaxAttempts counts the initial attempt. Only used with FailRetry.
	MaxAttempts int

	// BaseDelay and MaxDelay shape the exponential backoff between attempts.
	// MaxDelay == 0 means no cap.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable filters which errors are retried. Nil retries every error.
	Retryable func(error) bool

	// Handler is the node ID activated on FailReroute or on exhausted retries.
	Handler string
}

// Validate checks the policy for internal consistency. Handler existence is
// checked when the graph is built.
func (p *NodePolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.OnFailure == FailRetry && p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	if p.OnFailure == FailReroute && p.Handler == "" {
		return fmt.Errorf("%w: reroute requires a handler node", ErrInvalidRetryPolicy)
	}
	return nil
}

func (p *NodePolicy) shouldRetry(attempt int, err error) bool {
	if p == nil || p.OnFailure != FailRetry || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// computeBackoff returns min(base * 2^attempt, maxDelay) plus a jitter in
// [0, base). attempt is zero-based: 0 is the delay before the first retry.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nodeTimeout resolves the attempt timeout: the node policy wins over the
// executor default; zero means unlimited.
func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeWithTimeout runs node.Execute under the resolved timeout. A node that
// overruns its own deadline (while the parent context is still live) yields a
// NODE_TIMEOUT EngineError. Panics are converted to errors.
func executeWithTimeout(ctx context.Context, node Node, state *State, timeout time.Duration) (res Result, err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &NodeError{
				Message: fmt.Sprintf("panic: %v", r),
				Code:    "NODE_PANIC",
				NodeID:  node.ID(),
			}
		}
	}()

	res, err = node.Execute(runCtx, state)
	if timeout > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", node.ID(), timeout),
			Code:    CodeNodeTimeout,
		}
	}
	return res, err
}
