package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/polisai/polis-monitor/pkg/domain"
)

func TestFilterMatches(t *testing.T) {
	start := domain.NewEvent("r1", domain.RequestStarted{URL: "https://api.example.com/v1/users", Method: "GET", ProxyDecision: "PROXY corp:8080"})
	direct := domain.NewEvent("r2", domain.RequestStarted{URL: "http://intranet.local/", Method: "GET", ProxyDecision: "DIRECT"})
	resp404 := domain.NewEvent("r1", domain.ResponseReceived{StatusCode: 404})
	status := domain.NewEvent("", domain.StatusChanged{Running: true})
	entry := &domain.MonitoringEntry{RequestID: "r1", URL: "https://api.example.com/v1/users", ProxyDecision: "PROXY corp:8080"}

	tests := []struct {
		name   string
		filter *Filter
		ev     domain.Event
		entry  *domain.MonitoringEntry
		want   bool
	}{
		{"nil filter", nil, start, nil, true},
		{"empty filter", &Filter{}, start, nil, true},
		{"kind match", &Filter{Kinds: []domain.EventKind{domain.KindRequestStarted}}, start, nil, true},
		{"kind mismatch", &Filter{Kinds: []domain.EventKind{domain.KindErrorOccurred}}, start, nil, false},
		{"url wildcard", &Filter{URLPatterns: []string{"*example.com*"}}, start, nil, true},
		{"url wildcard miss", &Filter{URLPatterns: []string{"*example.org*"}}, start, nil, false},
		{"url from entry", &Filter{URLPatterns: []string{"https://api.*"}}, resp404, entry, true},
		{"status code match", &Filter{StatusCodes: []int{404}}, resp404, entry, true},
		{"status code miss", &Filter{StatusCodes: []int{200}}, resp404, entry, false},
		{"status code ignores requests", &Filter{StatusCodes: []int{200}}, start, nil, true},
		{"proxy type", &Filter{ProxyTypes: []string{"proxy"}}, start, nil, true},
		{"direct type", &Filter{ProxyTypes: []string{"DIRECT"}}, direct, nil, true},
		{"direct type miss", &Filter{ProxyTypes: []string{"DIRECT"}}, start, nil, false},
		{"status always passes", &Filter{Kinds: []domain.EventKind{domain.KindRequestStarted}}, status, nil, true},
		{"since excludes older", &Filter{Since: start.Timestamp.Add(time.Hour)}, start, nil, false},
		{"until excludes newer", &Filter{Until: start.Timestamp.Add(-time.Hour)}, start, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.ev, tt.entry))
		})
	}
}

func TestFilterEmpty(t *testing.T) {
	var f *Filter
	assert.True(t, f.Empty())
	assert.True(t, (&Filter{}).Empty())
	assert.False(t, (&Filter{StatusCodes: []int{500}}).Empty())
}
