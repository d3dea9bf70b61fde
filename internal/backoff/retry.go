package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted is wrapped by the error returned when every
// attempt failed with a retryable error.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// context ends, or maxAttempts is reached. A nil retryable retries every
// error. The returned int is the number of attempts made.
//
// When attempts run out the error wraps both ErrMaxAttemptsExhausted and the
// last error, so callers can still inspect the cause with errors.As.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (T, int, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempt - 1, lastErr
			}
			return zero, attempt - 1, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, attempt, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, attempt, err
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return zero, attempt, lastErr
			}
		}
	}

	return zero, maxAttempts, fmt.Errorf("%w: %w", ErrMaxAttemptsExhausted, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
