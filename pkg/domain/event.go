package domain

import (
	"maps"
	"slices"
	"time"
)

// EventKind identifies the payload variant carried by an Event.
type EventKind string

const (
	KindRequestStarted   EventKind = "request_started"
	KindResponseReceived EventKind = "response_received"
	KindErrorOccurred    EventKind = "error_occurred"
	KindStatusChanged    EventKind = "status_changed"
	KindDecisionUpdated  EventKind = "decision_updated"
)

// AllEventKinds lists every variant of the event sum.
var AllEventKinds = []EventKind{
	KindRequestStarted,
	KindResponseReceived,
	KindErrorOccurred,
	KindStatusChanged,
	KindDecisionUpdated,
}

// Priority orders events and updates when capacity runs out. Higher values survive longer.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ErrorKind classifies an ErrorOccurred payload.
type ErrorKind string

const (
	ErrorNetwork ErrorKind = "network"
	ErrorAuth    ErrorKind = "auth"
	ErrorPAC     ErrorKind = "pac"
	ErrorConfig  ErrorKind = "config"
	ErrorTimeout ErrorKind = "timeout"
)

// Payload is the closed set of event variants. Only types in this package implement it.
type Payload interface {
	Kind() EventKind
	payload()
}

// Event is a single observation published by a proxy worker.
// Events are passed by value and must not be mutated after publishing.
type Event struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Priority  Priority  `json:"priority"`
	Payload   Payload   `json:"payload"`
}

// Kind returns the payload kind, or the empty kind if the event has no payload.
func (e Event) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// RequestStarted is published when a worker accepts a client request.
type RequestStarted struct {
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Host          string            `json:"host"`
	ProxyDecision string            `json:"proxy_decision"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body,omitempty"`
}

// ResponseReceived is published when the upstream response headers and body preview are available.
type ResponseReceived struct {
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	ContentLength int64             `json:"content_length"`
	Duration      time.Duration     `json:"duration"`
}

// ErrorOccurred is published when a request fails before a response is produced.
type ErrorOccurred struct {
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// StatusChanged reports proxy or component state. It never carries a correlation id.
type StatusChanged struct {
	Running           bool   `json:"running"`
	ListenAddress     string `json:"listen_address,omitempty"`
	Port              int    `json:"port,omitempty"`
	Mode              string `json:"mode,omitempty"`
	ActiveConnections int    `json:"active_connections"`
	TotalRequests     int64  `json:"total_requests"`
	Source            string `json:"source,omitempty"`
	Message           string `json:"message,omitempty"`
}

// DecisionUpdated carries a routing decision resolved after the request started.
type DecisionUpdated struct {
	ProxyDecision string `json:"proxy_decision"`
}

func (RequestStarted) Kind() EventKind   { return KindRequestStarted }
func (ResponseReceived) Kind() EventKind { return KindResponseReceived }
func (ErrorOccurred) Kind() EventKind    { return KindErrorOccurred }
func (StatusChanged) Kind() EventKind    { return KindStatusChanged }
func (DecisionUpdated) Kind() EventKind  { return KindDecisionUpdated }

func (RequestStarted) payload()   {}
func (ResponseReceived) payload() {}
func (ErrorOccurred) payload()    {}
func (StatusChanged) payload()    {}
func (DecisionUpdated) payload()  {}

// DefaultPriority returns the priority a payload kind is published with when the producer does not choose one.
func DefaultPriority(kind EventKind) Priority {
	switch kind {
	case KindErrorOccurred, KindStatusChanged:
		return PriorityHigh
	case KindResponseReceived, KindDecisionUpdated:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// NewEvent builds an event for the given correlation id. Header maps and bodies are
// copied so the producer may reuse its buffers.
func NewEvent(requestID string, p Payload) Event {
	return Event{
		Timestamp: time.Now(),
		RequestID: requestID,
		Priority:  DefaultPriority(p.Kind()),
		Payload:   clonePayload(p),
	}
}

func clonePayload(p Payload) Payload {
	switch v := p.(type) {
	case RequestStarted:
		v.Headers = maps.Clone(v.Headers)
		v.Body = slices.Clone(v.Body)
		return v
	case ResponseReceived:
		v.Headers = maps.Clone(v.Headers)
		v.Body = slices.Clone(v.Body)
		return v
	default:
		return p
	}
}

// IsDirect reports whether a proxy decision string routes without an upstream proxy.
func IsDirect(decision string) bool {
	return decision == "" || decision == "DIRECT"
}
