// Package retry provides bounded retries with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Policy controls how many attempts are made and how long to sleep
// between them. Delays follow BaseDelay * 2^attempt, capped at MaxDelay,
// with ±25% random jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is the general-purpose policy: 3 attempts, 500ms base, 8s cap.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// APICall suits external API requests: 3 attempts, 1s base, 5s cap.
func APICall() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
}

// FeedFetch suits syndication feed requests: 3 attempts, 500ms base, 2s cap.
func FeedFetch() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// HealthCheck suits startup dependency probes: 4 attempts, 1s base, 4s cap.
func HealthCheck() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
}

// retryAfterHinter is implemented by errors that carry a server-provided
// minimum wait (parsed from a Retry-After header). The hint acts as a
// floor under the computed backoff.
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Do calls fn up to p.MaxAttempts times. After a failed attempt it sleeps
// the backoff delay, honoring ctx cancellation. retryable decides whether
// an error is worth another attempt; a nil retryable retries everything.
// Retries log at WARN on logger; exhaustion logs at ERROR.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		last = err
		if attempt == p.MaxAttempts-1 {
			break
		}
		logger.Warn("retrying after error",
			"component", op,
			"attempt", attempt+1,
			"max_attempts", p.MaxAttempts,
			"error", err)
		if err := Sleep(ctx, Delay(p, attempt, err)); err != nil {
			return zero, err
		}
	}
	logger.Error("all retry attempts exhausted",
		"component", op,
		"attempts", p.MaxAttempts,
		"error", last)
	return zero, last
}

// Delay computes the sleep before retry attempt i (0-indexed), using the
// policy's backoff as a base and the error's Retry-After hint as a floor.
func Delay(p Policy, i int, err error) time.Duration {
	d := Backoff(p, i)
	var h retryAfterHinter
	if errors.As(err, &h) {
		if ra := h.RetryAfterHint(); ra > d {
			return ra
		}
	}
	return d
}

// Backoff returns BaseDelay * 2^i capped at MaxDelay, with ±25% jitter.
func Backoff(p Policy, i int) time.Duration {
	d := p.BaseDelay << uint(i)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// Sleep blocks for d or until ctx is done, whichever comes first.
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
