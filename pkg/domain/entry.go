package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// EntryStatus is the lifecycle state of a MonitoringEntry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryErrored   EntryStatus = "errored"
)

// Terminal reports whether the status can no longer change.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryErrored
}

// MonitoringEntry aggregates the events observed for one correlation id.
type MonitoringEntry struct {
	RequestID       string            `json:"request_id"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Host            string            `json:"host"`
	ProxyDecision   string            `json:"proxy_decision"`
	Status          EntryStatus       `json:"status"`
	StatusCode      int               `json:"status_code,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	RequestBody     []byte            `json:"request_body,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	ContentLength   int64             `json:"content_length,omitempty"`
	Duration        time.Duration     `json:"duration,omitempty"`
	ErrorKind       ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Truncated       bool              `json:"truncated"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at,omitzero"`
	LastSequence    uint64            `json:"last_sequence"`
	Updates         int               `json:"updates"`
}

// NewEntry starts an entry from a RequestStarted event.
func NewEntry(ev Event) (*MonitoringEntry, error) {
	start, ok := ev.Payload.(RequestStarted)
	if !ok {
		return nil, fmt.Errorf("new entry from %s: %w", ev.Kind(), ErrUnknownEvent)
	}
	if ev.RequestID == "" {
		return nil, ErrMissingCorrelationID
	}
	return &MonitoringEntry{
		RequestID:      ev.RequestID,
		URL:            start.URL,
		Method:         start.Method,
		Host:           start.Host,
		ProxyDecision:  start.ProxyDecision,
		Status:         EntryPending,
		RequestHeaders: maps.Clone(start.Headers),
		RequestBody:    slices.Clone(start.Body),
		StartedAt:      ev.Timestamp,
		LastSequence:   ev.Sequence,
		Updates:        1,
	}, nil
}

// Apply folds a follow-up event into the entry. A second terminal event is rejected
// with ErrTerminalState and leaves the entry unchanged.
func (e *MonitoringEntry) Apply(ev Event) error {
	if ev.RequestID != e.RequestID {
		return fmt.Errorf("apply %s to %s: %w", ev.RequestID, e.RequestID, ErrCorrelationMismatch)
	}

	switch p := ev.Payload.(type) {
	case RequestStarted:
		return ErrDuplicateStart
	case ResponseReceived:
		if e.Status.Terminal() {
			return ErrTerminalState
		}
		e.Status = EntryCompleted
		e.StatusCode = p.StatusCode
		e.ResponseHeaders = maps.Clone(p.Headers)
		e.ResponseBody = slices.Clone(p.Body)
		e.ContentLength = p.ContentLength
		e.Duration = p.Duration
		e.CompletedAt = ev.Timestamp
	case ErrorOccurred:
		if e.Status.Terminal() {
			return ErrTerminalState
		}
		e.Status = EntryErrored
		e.ErrorKind = p.ErrorKind
		e.ErrorMessage = p.Message
		e.CompletedAt = ev.Timestamp
		if e.Duration == 0 && !e.StartedAt.IsZero() {
			e.Duration = ev.Timestamp.Sub(e.StartedAt)
		}
	case DecisionUpdated:
		e.ProxyDecision = p.ProxyDecision
	case StatusChanged:
		return fmt.Errorf("status event on entry: %w", ErrUnknownEvent)
	default:
		return ErrUnknownEvent
	}

	e.LastSequence = ev.Sequence
	e.Updates++
	return nil
}

// Clone returns a deep copy safe to hand to callbacks.
func (e *MonitoringEntry) Clone() MonitoringEntry {
	c := *e
	c.RequestHeaders = maps.Clone(e.RequestHeaders)
	c.ResponseHeaders = maps.Clone(e.ResponseHeaders)
	c.RequestBody = slices.Clone(e.RequestBody)
	c.ResponseBody = slices.Clone(e.ResponseBody)
	return c
}

// BodySize is the combined stored size of the request and response bodies.
func (e *MonitoringEntry) BodySize() int {
	return len(e.RequestBody) + len(e.ResponseBody)
}
