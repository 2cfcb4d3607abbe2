package resilience

import (
	"context"
	"time"

	apperrors "github.com/allisson/txpipeline/internal/errors"
)

// ErrTimeout is returned by WithTimeout when fn does not finish in time.
var ErrTimeout = apperrors.Wrap(apperrors.ErrUnavailable, "operation timed out")

// WithTimeout runs fn with a deadline derived from ctx. If fn does not return within d,
// ErrTimeout is returned and fn's context is canceled; fn keeps running in its goroutine
// until it observes the cancellation. A non-positive d runs fn directly.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if apperrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
