// Package retry provides the bounded retry loop used for provider calls.
// Delays are deterministic (fixed or linearly growing); there is no jitter
// and no exponential growth.
package retry

import (
	"context"
	"errors"
	"time"
)

// DelayFunc maps a completed attempt number (1-based) to the pause before
// the next attempt.
type DelayFunc func(attempt int) time.Duration

// Fixed pauses the same duration between every attempt.
func Fixed(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Linear pauses attempt*step: step after the first failure, 2*step after
// the second, and so on.
func Linear(step time.Duration) DelayFunc {
	return func(attempt int) time.Duration { return time.Duration(attempt) * step }
}

// None retries immediately.
func None() DelayFunc {
	return func(int) time.Duration { return 0 }
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable; Do stops immediately and
// returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn up to attempts times, pausing per delay between failures.
// It stops early on success, on a Permanent error, or when ctx is done.
// The attempt number passed to fn is 1-based. The returned error is the
// last attempt's error.
func Do(ctx context.Context, attempts int, delay DelayFunc, fn func(ctx context.Context, attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
