package engine

import (
	"context"
	"errors"
	"time"

	"github.com/fabula-ai/fabula/pkg/schema"
)

const defaultRetryDelay = time.Second

// IsRetryableError reports whether an agent invocation error is worth
// retrying. Cancellation is never retryable: the run is going away.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fErr *schema.FabulaError
	if errors.As(err, &fErr) {
		return fErr.IsRetryable()
	}
	return false
}

// ComputeBackoff returns the delay before the given retry attempt (1-based).
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := defaultRetryDelay
	if policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil && d > 0 {
			base = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case "none":
		return 0
	case "constant", "":
		delay = base
	case "linear":
		delay = base * time.Duration(attempt)
	case "exponential":
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay < 0 { // overflow
				delay = 1<<62 - 1
				break
			}
		}
	default:
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay, returning early when ctx is
// cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "retry wait cancelled").WithCause(ctx.Err())
	}
}
