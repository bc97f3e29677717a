// Package resilience protects native store backends from piling commands
// onto an unreachable server.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all commands through
	StateClosed State = iota
	// StateOpen rejects commands until the cooldown elapses
	StateOpen
	// StateHalfOpen lets a single probe command through to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithFailurePredicate decides which outcomes count as failures. By default
// every non-nil error does. Errors that describe the record rather than the
// server, such as a missing key, should not trip the breaker.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		if fn != nil {
			cb.isFailure = fn
		}
	}
}

// WithStateObserver is called after every state transition, outside the lock.
func WithStateObserver(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.observer = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// CircuitBreaker opens after maxFailures consecutive failures and rejects
// commands for cooldown. Then one probe decides whether it closes again.
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration
	isFailure   func(error) bool
	observer    func(from, to State)
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed circuit breaker. maxFailures below 1 is
// treated as 1.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		isFailure:   func(err error) bool { return err != nil },
		now:         time.Now,
		state:       StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow reserves a slot for one command. Every nil return must be followed by
// exactly one Record call with the command's outcome.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		cb.probing = true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return nil
}

// Record reports the outcome of a command admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	failed := cb.isFailure(err)

	cb.mu.Lock()
	from := cb.state
	switch {
	case cb.state == StateOpen:
		// admitted before the circuit opened
	case cb.state == StateHalfOpen && failed:
		cb.trip()
	case cb.state == StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		cb.probing = false
	case failed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the circuit. Callers hold mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.probing = false
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.observer != nil {
		cb.observer(from, to)
	}
}

// Execute runs fn if the circuit breaker allows it
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailures returns the current consecutive failure count
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
