// Package retry implements the exponential-backoff-with-jitter retry policy
// wrapping upstream calls, per the component design's exact formula:
//
//	delay(k) = min(maxDelay, baseDelay * 2^(k-1)) * (1 + U(-jitter, +jitter)), clamped >= 0
//
// Grounded in shape on other_examples' Azure-containerization-assist retry
// policy (MaxAttempts/InitialDelay/MaxDelay/BackoffFactor/JitterFactor fields),
// adapted to the spec's own formula rather than that example's.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tubestatus/tubestatus/internal/status"
)

// Policy holds retry configuration. IsRetryable defaults to status.Retryable
// when nil.
type Policy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

func (p Policy) isRetryable(err error) bool {
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	return status.Retryable(err)
}

// delay computes the backoff for attempt k (k>=1, the k-th retry, not
// counting the initial attempt).
func (p Policy) delay(k int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(k-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}
	jitter := 1 + (rand.Float64()*2-1)*p.JitterFactor
	d := time.Duration(base * jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// Do executes op, retrying on retryable failures per the policy. Sleeps
// unblock promptly on ctx cancellation and no further attempts are made once
// cancelled. On exhaustion, returns *status.RetriesExhausted wrapping the
// final cause.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.isRetryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return &status.RetriesExhausted{Attempts: attempt + 1, Cause: lastErr}
		}

		d := p.delay(attempt + 1)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
