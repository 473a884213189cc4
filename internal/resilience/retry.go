// Package resilience provides the retry and circuit-breaker primitives
// that guard calls to unreliable external dependencies, chiefly the
// analysis engine.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RateLimitedError tags a failure that carries an explicit retry-after
// hint, such as an HTTP 429. The hint is decided once at the dependency
// boundary and overrides the computed backoff for a single wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// RetryConfig holds the immutable backoff parameters for one call site
type RetryConfig struct {
	MaxRetries      int           // additional attempts after the first
	InitialDelay    time.Duration // first wait
	MaxDelay        time.Duration // cap for computed and hinted waits
	ExponentialBase float64       // multiplier applied after every failed attempt

	// Retryable reports whether a failure kind is worth retrying.
	// A nil predicate retries everything.
	Retryable func(error) bool
}

// RetryPolicy wraps a fallible operation with exponential backoff. Do
// blocks the calling goroutine with a plain sleep; DoContext suspends on a
// timer so cancellation interrupts the wait. The backoff arithmetic is
// shared, so the two modes differ only in how they wait.
type RetryPolicy struct {
	config RetryConfig
	logger *slog.Logger

	sleep func(time.Duration)                        // blocking wait, test override
	wait  func(context.Context, time.Duration) error // suspending wait, test override
}

// NewRetryPolicy creates a retry policy for one call site
func NewRetryPolicy(config RetryConfig, logger *slog.Logger) *RetryPolicy {
	if config.ExponentialBase <= 0 {
		config.ExponentialBase = 2.0
	}

	return &RetryPolicy{
		config: config,
		logger: logger,
		sleep:  time.Sleep,
		wait:   waitContext,
	}
}

func waitContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op with blocking waits between attempts
func (p *RetryPolicy) Do(op func() error) error {
	return p.run(func(d time.Duration) error {
		p.sleep(d)
		return nil
	}, op)
}

// DoContext runs op, suspending between attempts without blocking
// unrelated work; a canceled context interrupts the wait.
func (p *RetryPolicy) DoContext(ctx context.Context, op func() error) error {
	return p.run(func(d time.Duration) error {
		return p.wait(ctx, d)
	}, op)
}

// run executes the attempt loop. The exponential progression advances after
// every failed attempt; a rate-limit hint replaces one wait (capped at
// MaxDelay) without touching the progression.
func (p *RetryPolicy) run(pause func(time.Duration) error, op func() error) error {
	next := p.config.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if p.config.Retryable != nil && !p.config.Retryable(err) {
			p.logger.Warn("Failure is not retryable, giving up",
				slog.Int("attempt", attempt+1),
				slog.Any("error", err),
			)
			return err
		}

		if attempt == p.config.MaxRetries {
			break
		}

		delay := next

		var rateLimited *RateLimitedError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
			delay = min(rateLimited.RetryAfter, p.config.MaxDelay)
			p.logger.Warn("Rate limit hit, honoring retry-after hint",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", p.config.MaxRetries+1),
				slog.Duration("retry_after", delay),
			)
		} else {
			p.logger.Warn("Attempt failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", p.config.MaxRetries+1),
				slog.Duration("retry_in", delay),
				slog.Any("error", err),
			)
		}

		if waitErr := pause(delay); waitErr != nil {
			return waitErr
		}

		next = min(time.Duration(float64(next)*p.config.ExponentialBase), p.config.MaxDelay)
	}

	p.logger.Error("All attempts failed",
		slog.Int("attempts", p.config.MaxRetries+1),
		slog.Any("error", lastErr),
	)

	// Re-raise the last failure unchanged so callers can classify it.
	return lastErr
}
