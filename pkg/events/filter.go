package events

import (
	"slices"
	"strings"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/polisai/polis-monitor/pkg/domain"
)

// Filter selects which events the processor applies. Empty criteria match everything.
type Filter struct {
	Kinds       []domain.EventKind `yaml:"event_kinds" json:"event_kinds,omitempty"`
	URLPatterns []string           `yaml:"url_patterns" json:"url_patterns,omitempty"`
	StatusCodes []int              `yaml:"status_codes" json:"status_codes,omitempty"`
	ProxyTypes  []string           `yaml:"proxy_types" json:"proxy_types,omitempty"`
	Since       time.Time          `yaml:"since" json:"since,omitzero"`
	Until       time.Time          `yaml:"until" json:"until,omitzero"`
}

// Empty reports whether the filter has no criteria.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Kinds) == 0 && len(f.URLPatterns) == 0 && len(f.StatusCodes) == 0 &&
		len(f.ProxyTypes) == 0 && f.Since.IsZero() && f.Until.IsZero())
}

// Matches reports whether ev passes the filter. The entry, when known, supplies
// the URL and proxy decision for variants that do not carry them.
// Status events always pass so proxy state is never hidden.
func (f *Filter) Matches(ev domain.Event, entry *domain.MonitoringEntry) bool {
	if f.Empty() {
		return true
	}
	if ev.Kind() == domain.KindStatusChanged {
		return true
	}

	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind()) {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}

	url, decision := eventURL(ev, entry)

	if len(f.URLPatterns) > 0 && !f.matchURL(url) {
		return false
	}

	if len(f.StatusCodes) > 0 {
		if resp, ok := ev.Payload.(domain.ResponseReceived); ok && !slices.Contains(f.StatusCodes, resp.StatusCode) {
			return false
		}
	}

	if len(f.ProxyTypes) > 0 && !f.matchProxyType(decision) {
		return false
	}

	return true
}

func (f *Filter) matchURL(url string) bool {
	if url == "" {
		return false
	}
	for _, pattern := range f.URLPatterns {
		if wildcard.Match(pattern, url) {
			return true
		}
	}
	return false
}

func (f *Filter) matchProxyType(decision string) bool {
	kind := "PROXY"
	if domain.IsDirect(decision) {
		kind = "DIRECT"
	}
	for _, t := range f.ProxyTypes {
		if strings.EqualFold(t, kind) {
			return true
		}
	}
	return false
}

func eventURL(ev domain.Event, entry *domain.MonitoringEntry) (url, decision string) {
	if entry != nil {
		url = entry.URL
		decision = entry.ProxyDecision
	}
	switch p := ev.Payload.(type) {
	case domain.RequestStarted:
		url = p.URL
		decision = p.ProxyDecision
	case domain.ErrorOccurred:
		if p.URL != "" {
			url = p.URL
		}
	case domain.DecisionUpdated:
		decision = p.ProxyDecision
	}
	return url, decision
}
