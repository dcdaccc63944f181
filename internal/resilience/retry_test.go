package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	var waits []time.Duration
	p := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Millisecond),
		OnRetry:     func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) },
	}

	var calls []int
	err := Retry(context.Background(), p, func(_ context.Context, attempt int) error {
		calls = append(calls, attempt)
		if attempt < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 3 || calls[0] != 1 || calls[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", calls)
	}
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Errorf("waits = %v, want [1ms 2ms]", waits)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3}, func(context.Context, int) error {
		calls++
		return errTest
	})
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrRetriesExhausted wrapping errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	errPermanent := errors.New("permanent")
	calls := 0
	p := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Hour),
		Retryable:   func(err error) bool { return !errors.Is(err, errPermanent) },
	}
	err := Retry(context.Background(), p, func(context.Context, int) error {
		calls++
		return errPermanent
	})
	if err != errPermanent {
		t.Fatalf("err = %v, want the unwrapped permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_CancelDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Hour),
		OnRetry:     func(int, error, time.Duration) { cancel() },
	}
	calls := 0
	start := time.Now()
	err := Retry(ctx, p, func(context.Context, int) error {
		calls++
		return errTest
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want context.Canceled joined with errTest", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the backoff")
	}
}

func TestLinearBackoff(t *testing.T) {
	t.Parallel()
	b := LinearBackoff(500 * time.Millisecond)
	for attempt, want := range map[int]time.Duration{1: 500 * time.Millisecond, 2: time.Second, 3: 1500 * time.Millisecond} {
		if got := b(attempt); got != want {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
}
