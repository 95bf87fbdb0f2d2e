// Package retry provides exponential backoff with jitter and a bounded retry
// helper for transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var (
	// ErrMaxAttemptsExceeded is returned when max retry attempts are exceeded
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")
	// ErrContextCancelled is returned when the context is cancelled during retry
	ErrContextCancelled = errors.New("context cancelled during retry")
)

// Default backoff parameters.
const (
	DefaultBase   = 30 * time.Second
	DefaultCap    = 15 * time.Minute
	DefaultJitter = 0.2
)

// Backoff computes attempt-indexed delays: Base * 2^(attempt-1), scaled by a
// uniform factor in [1-Jitter, 1+Jitter], never above Cap.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// rand returns a float in [0,1). Nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff returns the backoff used for queue redelivery.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBase, Cap: DefaultCap, Jitter: DefaultJitter}
}

// WithRand returns a copy of b using src as its random source.
func (b Backoff) WithRand(src func() float64) Backoff {
	b.rand = src
	return b
}

// Nominal returns the un-jittered, uncapped delay for attempt.
func (b Backoff) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^62 already overflows any sane cap
	exp := min(attempt-1, 62)
	nominal := float64(b.Base) * math.Pow(2, float64(exp))
	if nominal >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(nominal)
}

// Delay returns the jittered delay for attempt (1-based), capped after jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	nominal := b.Nominal(attempt)

	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}
	jittered := float64(nominal) * (1 + b.Jitter*(2*r()-1))

	if b.Cap > 0 && (jittered > float64(b.Cap) || math.IsInf(jittered, 0)) {
		return b.Cap
	}
	return time.Duration(jittered)
}

// Config configures retry behavior
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first)
	MaxAttempts int
	// Backoff computes the wait between attempts
	Backoff Backoff
	// IsRetryable determines if an error should be retried
	IsRetryable func(error) bool
}

// DefaultConfig returns the configuration used for startup connections.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Backoff:     Backoff{Base: 500 * time.Millisecond, Cap: 10 * time.Second, Jitter: DefaultJitter},
		IsRetryable: func(err error) bool { return err != nil },
	}
}

// Retry executes fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached.
func Retry(ctx context.Context, config Config, fn func(ctx context.Context) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.IsRetryable == nil {
		config.IsRetryable = func(err error) bool { return err != nil }
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !config.IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(config.Backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, config.MaxAttempts, lastErr)
}
