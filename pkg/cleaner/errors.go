package cleaner

import "errors"

var (
	// ErrInvalidResource is returned when a resource is registered without an id.
	ErrInvalidResource = errors.New("resource id is required")
	// ErrNoReclaimer is returned when a handle has no default reclamation for its kind.
	ErrNoReclaimer = errors.New("no reclamation available for handle")
)

// ReclaimError wraps a failed reclamation.
type ReclaimError struct {
	ID   string
	Kind Kind
	Err  error
}

func (e *ReclaimError) Error() string {
	return "reclaim " + string(e.Kind) + " " + e.ID + ": " + e.Err.Error()
}

func (e *ReclaimError) Unwrap() error {
	return e.Err
}
