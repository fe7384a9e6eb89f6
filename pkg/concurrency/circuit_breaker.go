package concurrency

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerState is the admission state of a CircuitBreaker.
type CircuitBreakerState int32

const (
	// StateClosed admits work.
	StateClosed CircuitBreakerState = iota
	// StateOpen blocks work until the reset timeout has passed.
	StateOpen
	// StateHalfOpen admits work on probation.
	StateHalfOpen
)

// Breaker defaults, used for non-positive arguments to NewCircuitBreaker.
const (
	DefaultBreakerFailures = 10
	DefaultBreakerReset    = 30 * time.Second
)

// halfOpenSuccesses is the number of consecutive successes that close a half-open breaker
const halfOpenSuccesses = 5

// CircuitBreaker pauses admissions after a run of consecutive failed attempts, for
// instance workers dying on a broken trait program or a full results disk. Once
// the reset timeout has passed since the last failure it half-opens and lets work
// through again; a failure reopens it, halfOpenSuccesses successes close it.
type CircuitBreaker struct {
	threshold int64
	reset     time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	state       CircuitBreakerState
	failures    int64
	successes   int64
	lastFailure time.Time
	trips       int64
}

// NewCircuitBreaker creates a closed breaker that opens after failureThreshold
// consecutive failures and half-opens resetTimeout after the last one.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultBreakerFailures
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultBreakerReset
	}
	return &CircuitBreaker{
		threshold: failureThreshold,
		reset:     resetTimeout,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
}

// WithLogger logs state transitions to logger and returns cb.
func (cb *CircuitBreaker) WithLogger(logger *zap.Logger) *CircuitBreaker {
	if logger != nil {
		cb.mu.Lock()
		cb.logger = logger.With(zap.String("component", "circuit_breaker"))
		cb.mu.Unlock()
	}
	return cb
}

// IsOpen reports whether work is blocked. An open breaker past its reset timeout
// moves to half-open and reports false.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return false
	}
	if cb.now().Sub(cb.lastFailure) > cb.reset {
		cb.transition(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful attempt.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.successes++
	if cb.successes >= halfOpenSuccesses {
		cb.transition(StateClosed)
	}
}

// RecordFailure records a failed attempt.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successes = 0
	cb.lastFailure = cb.now()
	cb.failures++

	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		cb.transition(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current run of failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// ConsecutiveSuccesses returns the successes counted while half-open.
func (cb *CircuitBreaker) ConsecutiveSuccesses() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.successes
}

// Trips returns how many times the breaker has opened.
func (cb *CircuitBreaker) Trips() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// Reset closes the breaker and clears its counters. The trip count is kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.lastFailure = time.Time{}
}

// transition moves to next and logs the change. Callers hold mu.
func (cb *CircuitBreaker) transition(next CircuitBreakerState) {
	prev := cb.state
	if prev == next {
		return
	}
	cb.state = next
	cb.successes = 0

	switch next {
	case StateOpen:
		cb.trips++
		cb.logger.Warn("Circuit breaker opened",
			zap.Stringer("from", prev),
			zap.Int64("consecutive_failures", cb.failures),
			zap.Duration("reset_after", cb.reset),
			zap.Int64("trips", cb.trips))
	case StateHalfOpen:
		cb.logger.Info("Circuit breaker half-open",
			zap.Duration("since_last_failure", cb.now().Sub(cb.lastFailure)))
	case StateClosed:
		cb.failures = 0
		cb.logger.Info("Circuit breaker closed", zap.Stringer("from", prev))
	}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
