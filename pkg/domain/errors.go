package domain

import "errors"

// Common domain errors
var (
	ErrUnknownEvent         = errors.New("unknown event variant")
	ErrMissingCorrelationID = errors.New("missing correlation id")
	ErrTerminalState        = errors.New("entry already in terminal state")
	ErrDuplicateStart       = errors.New("request already started")
	ErrCorrelationMismatch  = errors.New("event does not belong to entry")
	ErrComponentDisabled    = errors.New("component disabled")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewMalformedEventError reports an event the processor cannot apply.
func NewMalformedEventError(err error, ev Event) *DomainError {
	return &DomainError{
		Err:     err,
		Code:    "MALFORMED_EVENT",
		Message: "malformed event: " + err.Error(),
		Details: map[string]any{
			"sequence":   ev.Sequence,
			"request_id": ev.RequestID,
		},
	}
}

// ErrorResponse defines the JSON error model returned by the admin API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
