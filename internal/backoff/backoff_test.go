package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
		{0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := policy.delayWithRand(tt.attempt, 0); got != tt.expected {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestPolicyJitter(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Factor: 2, Jitter: 0.5}
	if got := policy.delayWithRand(1, 1); got != 150*time.Millisecond {
		t.Errorf("delay with full jitter = %v, want 150ms", got)
	}
}

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	value, attempts, err := Retry(context.Background(), fastPolicy(), 3, nil, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if value != "ok" || attempts != 3 || calls != 3 {
		t.Errorf("value=%q attempts=%d calls=%d", value, attempts, calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	_, attempts, err := Retry(context.Background(), fastPolicy(), 5,
		func(err error) bool { return !errors.Is(err, permanent) },
		func(int) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("error = %v, want permanent", err)
	}
	if errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Error("permanent error should not report exhaustion")
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("attempts=%d calls=%d, want 1", attempts, calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	cause := errors.New("rate limited")
	_, attempts, err := Retry(context.Background(), fastPolicy(), 2, nil, func(int) (int, error) {
		return 0, cause
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) || !errors.Is(err, cause) {
		t.Fatalf("error = %v, want exhaustion wrapping cause", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, _, err := Retry(ctx, fastPolicy(), 3, nil, func(int) (int, error) {
		calls++
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
}
