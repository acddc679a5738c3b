package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/opsflow-io/opsflow/pkg/schema"
)

// IsRetryableError classifies whether a dispatch failure should be retried.
// Typed FlowErrors decide via their code; network errors and timeouts are
// retryable; a cancelled context means the run is shutting down.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for untyped transport errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// RetryDelay returns the flat per-attempt delay of a policy. The declarative
// schema carries a single fixed delay, not a backoff curve.
func RetryDelay(policy *schema.RetryPolicy) time.Duration {
	if policy == nil || policy.DelayMs <= 0 {
		return 0
	}
	return time.Duration(policy.DelayMs) * time.Millisecond
}

// MaxAttempts returns the total number of dispatch attempts a policy allows:
// the first try plus the configured retries.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.Attempts <= 0 {
		return 1
	}
	return 1 + policy.Attempts
}

// WaitRetry sleeps for the retry delay or returns early if the context is
// cancelled during the wait.
func WaitRetry(ctx context.Context, delay time.Duration) error {
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
