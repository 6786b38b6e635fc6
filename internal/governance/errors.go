package governance

import "errors"

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrInvalidMode is returned for an unknown throttle mode.
	ErrInvalidMode = errors.New("invalid throttle mode")
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
