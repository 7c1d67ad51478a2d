// Package backoff implements the retry delay policy shared by every pipeline stage.
//
// A work item draws one base delay when it starts and scales it exponentially for
// each failed attempt, with ±10% jitter on every wait.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction is the relative spread applied to every computed delay.
const JitterFraction = 0.1

// Policy holds the retry settings of a stage.
type Policy struct {
	MaxRetries int           // retries after the first attempt; total attempts = MaxRetries+1
	Min        time.Duration // lower bound of the per-item base delay
	Max        time.Duration // upper bound of the per-item base delay
	Factor     float64       // exponential growth per attempt
}

// ExhaustedError is returned by Retry when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted reports whether err came from a Retry that ran out of attempts.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// InitialDelay draws a base delay uniformly from [min, max].
func InitialDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

// Delay returns initial*factor^attempt with ±10% uniform jitter. Attempts are 0-indexed.
// The result saturates at the largest Duration instead of overflowing.
func Delay(attempt int, initial time.Duration, factor float64) time.Duration {
	base := float64(initial) * math.Pow(factor, float64(attempt))
	jitter := 1 + JitterFraction*(2*rand.Float64()-1)
	d := base * jitter
	if math.IsNaN(d) || d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RetryFunc is one attempt of a unit of work. attempt is 0-indexed.
type RetryFunc func(ctx context.Context, attempt int) error

// RetryHook observes a failed attempt before the policy waits for wait.
type RetryHook func(attempt int, err error, wait time.Duration)

// Retry runs fn until it succeeds or MaxRetries+1 attempts have failed. The base
// delay is drawn once per call. Waits stop early when ctx is cancelled, in which case
// the context error is returned.
func (p Policy) Retry(ctx context.Context, fn RetryFunc, onRetry RetryHook) error {
	initial := InitialDelay(p.Min, p.Max)
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts-1 {
			break
		}

		wait := Delay(attempt, initial, p.Factor)
		if onRetry != nil {
			onRetry(attempt, lastErr, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
