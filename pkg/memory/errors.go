package memory

import "errors"

var (
	// ErrEntryNotFound is returned when no entry exists for a correlation id.
	ErrEntryNotFound = errors.New("monitoring entry not found")
)
