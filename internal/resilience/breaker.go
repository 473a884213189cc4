package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Breaker states
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// OpenError is returned when the breaker rejects a call without invoking
// the guarded function.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open, service unavailable, retry after %s", e.RetryAfter.Round(time.Second))
}

// BreakerConfig holds circuit breaker parameters for one dependency
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration

	// IsExpected reports whether a failure should count toward breaker
	// state. Failures it rejects pass through untouched, so caller-side
	// bugs do not trip the breaker. A nil predicate counts everything.
	IsExpected func(error) bool
}

// CircuitBreaker is a three-state failure gate for a single dependency.
// Each guarded dependency gets its own instance; state is never shared
// across logically distinct call sites.
type CircuitBreaker struct {
	config BreakerConfig
	logger *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time

	now func() time.Time // test clock
}

// NewCircuitBreaker creates a breaker in the CLOSED state
func NewCircuitBreaker(config BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Call executes fn through the breaker. While OPEN and inside the recovery
// window every call fails fast with an OpenError. Once the window elapses
// a single probe is allowed through; its outcome decides between CLOSED
// and OPEN.
func (b *CircuitBreaker) Call(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.config.RecoveryTimeout {
			return &OpenError{RetryAfter: b.config.RecoveryTimeout - elapsed}
		}

		b.state = StateHalfOpen
		b.logger.Info("Circuit breaker entering HALF_OPEN state")
	}

	err := fn()
	if err == nil {
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.failureCount = 0
			b.logger.Info("Circuit breaker recovered, state CLOSED")
		}
		return nil
	}

	if b.config.IsExpected != nil && !b.config.IsExpected(err) {
		// Unrelated failure, not evidence about the guarded dependency.
		return err
	}

	b.failureCount++
	b.lastFailureTime = b.now()

	if b.state == StateHalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = StateOpen
		b.logger.Error("Circuit breaker opened",
			slog.Int("failure_count", b.failureCount),
			slog.Duration("recovery_timeout", b.config.RecoveryTimeout),
		)
	}

	return err
}

// State returns the current breaker state
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
