package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

var discard = slog.New(slog.DiscardHandler)

// fast is a policy with negligible sleeps for tests.
func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fast(3), discard, "test", nil, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), fast(3), discard, "test", nil, func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if calls != 3 {
		t.Errorf("want 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	_, err := Do(context.Background(), fast(5), discard, "test", func(err error) bool {
		return !errors.Is(err, fatal)
	}, func() (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("want fatal, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-retryable error should stop after 1 call, got %d", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	_, err := Do(ctx, p, discard, "test", nil, func() (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

type hinted struct{ after time.Duration }

func (h hinted) Error() string                 { return "rate limited" }
func (h hinted) RetryAfterHint() time.Duration { return h.after }

func TestDelayHonorsRetryAfterFloor(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond}
	d := Delay(p, 0, hinted{after: time.Second})
	if d != time.Second {
		t.Errorf("Retry-After hint should floor the delay, got %v", d)
	}
	d = Delay(p, 0, errors.New("plain"))
	if d > 2*time.Millisecond {
		t.Errorf("plain error should use backoff, got %v", d)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	for i := 0; i < 8; i++ {
		d := Backoff(p, i)
		// ±25% jitter around the capped exponential value.
		if d < 75*time.Millisecond || d > 500*time.Millisecond {
			t.Errorf("Backoff(%d) = %v out of expected envelope", i, d)
		}
	}
}
