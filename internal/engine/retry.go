package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/flowstate/flowstate/pkg/schema"
)

// Backoff strategies accepted by RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy controls how collaborator calls that may fail transiently
// (snapshot saves, store lookups) are retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	// Values below 1 behave as 1.
	Attempts int
	// Delay is the base backoff between attempts.
	Delay time.Duration
	// Backoff selects the growth strategy; empty means constant.
	Backoff string
	// MaxDelay caps the computed backoff when set.
	MaxDelay time.Duration
}

// DefaultSnapshotRetry is used when a caller leaves RuntimeVars.SnapshotRetry
// zero. Snapshot saves gate suspension, so a couple of quick retries are
// worth the latency.
var DefaultSnapshotRetry = RetryPolicy{
	Attempts: 3,
	Delay:    50 * time.Millisecond,
	Backoff:  BackoffExponential,
	MaxDelay: time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		if p == (RetryPolicy{}) {
			return DefaultSnapshotRetry
		}
		p.Attempts = 1
	}
	return p
}

// backoffFor calculates the delay before the given zero-based retry attempt.
func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = p.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// withRetries runs fn until it succeeds, exhausts the policy's attempts, or
// hits a non-retryable error. The last error is returned as-is so callers
// keep its FlowError code.
func withRetries(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func(context.Context) error) error {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			if err := waitForBackoff(ctx, policy.backoffFor(attempt-1)); err != nil {
				return lastErr
			}
			logger.DebugContext(ctx, "retrying operation",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", policy.Attempts))
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// IsRetryableError classifies whether an error is worth another attempt.
// Retryable: network errors, timeouts, store errors. Non-retryable:
// cancellation, configuration and validation errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A step-level deadline may clear on retry; a cancelled context means
	// the run is shutting down.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"temporary failure",
		"database is locked",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors default to retryable; the attempt cap bounds the cost.
	return true
}

// waitForBackoff sleeps for the delay or returns early when the context is
// cancelled during the wait.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
