package resilience

import (
	"context"
	"math"
	"time"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// BackoffType selects how the delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// RetryPolicy retries a fallible operation with bounded attempts and backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first one.
	MaxAttempts int
	// Delay is the base delay between attempts.
	Delay time.Duration
	// Backoff is the delay growth strategy. Defaults to exponential.
	Backoff BackoffType
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
	// IsRetryable decides whether an error may be retried. Defaults to always true.
	IsRetryable func(err error) bool
	// OnRetry is called before sleeping, with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy returns a policy with 3 attempts, exponential backoff from 1s capped
// at 30s, which does not retry business errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       time.Second,
		Backoff:     BackoffExponential,
		MaxDelay:    30 * time.Second,
		IsRetryable: apperrors.IsTransient,
	}
}

// DelayFor returns the delay that follows the given failed attempt (1-based). A delay that
// would overflow saturates instead of wrapping negative.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var factor int64
	switch p.Backoff {
	case BackoffFixed:
		factor = 1
	case BackoffLinear:
		factor = int64(attempt)
	default:
		factor = int64(1) << min(attempt-1, 62)
	}

	var d time.Duration
	switch {
	case p.Delay <= 0:
	case int64(p.Delay) > math.MaxInt64/factor:
		d = math.MaxInt64
	default:
		d = p.Delay * time.Duration(factor)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do invokes fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error is returned on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		if err := sleep(ctx, p.DelayFor(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Retry is the value-returning form of RetryPolicy.Do.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
