package backoff

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Retry calls fn up to attempts times. It stops early when fn succeeds,
// when retryable reports false for the error, or when ctx is done. The
// last error from fn is returned.
func Retry[T any](ctx context.Context, p Policy, attempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			break
		}
		if serr := Sleep(ctx, p.Delay(attempt)); serr != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}
