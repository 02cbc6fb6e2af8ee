package model

import (
	"sync"
	"time"

	apperrors "github.com/odvcencio/threadline/pkg/errors"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures uint32
	// ResetTimeout is how long the breaker stays open before a probe.
	ResetTimeout time.Duration
	// OnTransition is called outside the lock after every state change.
	OnTransition func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// CircuitBreaker stops hammering a backend that keeps failing to accept
// chat requests.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    uint32
	lastFailureTime time.Time
	now             func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = DefaultCircuitBreakerConfig().MaxFailures
	}
	return &CircuitBreaker{config: config, state: CircuitClosed, now: time.Now}
}

// State returns the current state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.mu.Unlock()
	cb.notify(from, CircuitClosed)
}

// Call runs fn unless the breaker is open. Errors for which countable
// returns false (for example client errors or cancellation) pass through
// without counting as backend failures.
func (cb *CircuitBreaker) Call(fn func() error, countable func(error) bool) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		since := cb.now().Sub(cb.lastFailureTime)
		if since < cb.config.ResetTimeout {
			cb.mu.Unlock()
			return apperrors.New(apperrors.ErrCodeTransport, "circuit breaker is open").
				WithContext("last_failure_ago", since.Round(time.Millisecond)).
				WithUserMessage("Chat backend is unavailable, try again shortly")
		}
		cb.state = CircuitHalfOpen
		cb.failureCount = 0
		cb.mu.Unlock()
		cb.notify(CircuitOpen, CircuitHalfOpen)
	} else {
		cb.mu.Unlock()
	}

	err := fn()

	cb.mu.Lock()
	from := cb.state
	if err != nil && (countable == nil || countable(err)) {
		cb.recordFailure()
	} else if err == nil {
		cb.recordSuccess()
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailureTime = cb.now()
	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
	case CircuitClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.state = CircuitOpen
		}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.lastFailureTime = time.Time{}
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from != to && cb.config.OnTransition != nil {
		cb.config.OnTransition(from, to)
	}
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
