package governance

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is probing whether the resource recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure threshold before opening.
	MaxFailures int
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of trial calls allowed in half-open state
	// before forcing a decision (close on success, open on failure).
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards a failing resource. Components call Allow before the
// guarded operation and Record with its result.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitBreakerState
	config CircuitBreakerConfig

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	totalFailures        int
	totalSuccesses       int
	lastStateChange      time.Time
	openUntil            time.Time
	lastErr              error

	onStateChange func(from, to CircuitBreakerState, err error)
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// OnStateChange registers a callback invoked after every state transition.
// It runs without the breaker's lock held.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState, err error)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute wraps a function call with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow checks if a call should proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		notify := cb.transitionToLocked(StateHalfOpen, now)
		cb.halfOpenRequests++
		cb.mu.Unlock()
		notify()
		return nil
	case StateHalfOpen:
		defer cb.mu.Unlock()
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	default:
		cb.mu.Unlock()
		return nil
	}
}

// Record reports the result of a call admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()

	now := cb.now()
	notify := func() {}
	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	} else {
		cb.lastErr = err
		cb.totalFailures++
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			notify = cb.transitionToLocked(StateOpen, now)
		} else if cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			notify = cb.transitionToLocked(StateClosed, now)
		}
	case StateClosed:
		if err != nil && cb.consecutiveFailures >= cb.config.MaxFailures {
			notify = cb.transitionToLocked(StateOpen, now)
		}
	}
	cb.mu.Unlock()
	notify()
}

// transitionToLocked changes state and returns the notification to run after unlocking.
func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) func() {
	if cb.state == newState {
		return func() {}
	}

	from := cb.state
	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	switch newState {
	case StateOpen:
		cb.openUntil = now.Add(cb.config.Timeout)
	default:
		cb.openUntil = time.Time{}
	}

	fn := cb.onStateChange
	err := cb.lastErr
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, newState, err) }
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.totalFailures,
		Successes:       cb.totalSuccesses,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
		Timeout:         cb.config.Timeout.String(),
	}
	if cb.lastErr != nil {
		stats.LastError = cb.lastErr.Error()
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	LastStateChange string `json:"lastStateChange"`
	LastError       string `json:"lastError,omitempty"`
	Timeout         string `json:"timeout"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionToLocked(StateClosed, cb.now())
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.lastErr = nil
	cb.mu.Unlock()
	notify()
}
