package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-monitor/internal/governance"
	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/memory"
)

func newTestStore(cfg memory.Config) *memory.Manager {
	return memory.NewManager(cfg, memory.SamplerFunc(func(context.Context) (domain.MemoryUsage, error) {
		return domain.MemoryUsage{ProcessMB: 1}, nil
	}), nil)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.MonitoringEntry
}

func (s *recordingSink) AddEntry(e domain.MonitoringEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func startEvent(id, url string) domain.Event {
	return domain.NewEvent(id, domain.RequestStarted{URL: url, Method: "GET", Host: "a.com", ProxyDecision: "DIRECT"})
}

func responseEvent(id string, code int) domain.Event {
	return domain.NewEvent(id, domain.ResponseReceived{StatusCode: code, Duration: 5 * time.Millisecond})
}

func TestProcessorEndToEnd(t *testing.T) {
	q := NewQueue(16)
	store := newTestStore(memory.Config{})
	th := governance.NewThrottler(governance.DefaultThrottleConfig(), nil)
	sink := &recordingSink{}

	p := NewProcessor(q, store, th, ProcessorConfig{}, nil)
	p.SetSink(sink)

	var calls []domain.MonitoringEntry
	p.OnEntryUpdated(func(e domain.MonitoringEntry) { calls = append(calls, e) })

	q.Publish(startEvent("1", "http://a.com"))
	q.Publish(responseEvent("1", 200))

	assert.Equal(t, 2, p.ProcessOnce(context.Background()))

	require.Len(t, calls, 1)
	assert.Equal(t, domain.EntryCompleted, calls[0].Status)
	assert.Equal(t, 200, calls[0].StatusCode)
	assert.Equal(t, "http://a.com", calls[0].URL)

	stored, ok := store.Get("1")
	require.True(t, ok)
	assert.Equal(t, domain.EntryCompleted, stored.Status)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "1", sink.entries[0].RequestID)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(1), stats.UpdatesRequested)
	assert.Equal(t, uint64(1), stats.Cycles)
}

// Updates for each correlation id reach its entry in publish order even when
// ids are interleaved and drained across several cycles.
func TestProcessorPerIDOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ids := rapid.IntRange(1, 5).Draw(rt, "ids")
		steps := rapid.SliceOfN(rapid.IntRange(0, ids-1), 1, 60).Draw(rt, "steps")
		drainBatch := rapid.IntRange(1, 10).Draw(rt, "drainBatch")

		q := NewQueue(1000)
		store := newTestStore(memory.Config{})
		p := NewProcessor(q, store, nil, ProcessorConfig{DrainBatch: drainBatch}, nil)

		seen := make(map[string][]string)
		p.OnEvent(domain.KindDecisionUpdated, func(ev domain.Event) {
			seen[ev.RequestID] = append(seen[ev.RequestID], ev.Payload.(domain.DecisionUpdated).ProxyDecision)
		})

		published := make(map[string][]string)
		for i := 0; i < ids; i++ {
			q.Publish(startEvent(fmt.Sprintf("id-%d", i), "http://a.com"))
		}
		for n, which := range steps {
			id := fmt.Sprintf("id-%d", which)
			decision := fmt.Sprintf("PROXY p%d:80", n)
			q.Publish(decisionEvent(id, decision))
			published[id] = append(published[id], decision)
		}

		for q.Len() > 0 {
			p.ProcessOnce(context.Background())
		}

		for id, want := range published {
			got := seen[id]
			if len(got) != len(want) {
				rt.Fatalf("%s: expected %d updates, got %d", id, len(want), len(got))
			}
			for i := range want {
				if got[i] != want[i] {
					rt.Fatalf("%s: update %d out of order: got %q want %q", id, i, got[i], want[i])
				}
			}
			entry, ok := store.Get(id)
			if !ok {
				rt.Fatalf("%s: entry missing", id)
			}
			if entry.ProxyDecision != want[len(want)-1] {
				rt.Fatalf("%s: expected final decision %q, got %q", id, want[len(want)-1], entry.ProxyDecision)
			}
		}
	})
}

func TestProcessorSkipsMalformedEvents(t *testing.T) {
	q := NewQueue(16)
	store := newTestStore(memory.Config{})
	p := NewProcessor(q, store, nil, ProcessorConfig{}, nil)

	var updated []string
	p.OnEntryUpdated(func(e domain.MonitoringEntry) { updated = append(updated, e.RequestID) })

	q.Publish(domain.Event{RequestID: "x"})
	q.Publish(startEvent("", "http://a.com"))
	q.Publish(startEvent("ok", "http://a.com"))

	p.ProcessOnce(context.Background())

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, []string{"ok"}, updated)
}

func TestProcessorOrphanedAndRejected(t *testing.T) {
	q := NewQueue(16)
	store := newTestStore(memory.Config{})
	p := NewProcessor(q, store, nil, ProcessorConfig{}, nil)

	q.Publish(responseEvent("ghost", 200))
	q.Publish(startEvent("r", "http://a.com"))
	q.Publish(startEvent("r", "http://a.com"))
	q.Publish(responseEvent("r", 200))
	q.Publish(domain.NewEvent("r", domain.ErrorOccurred{ErrorKind: domain.ErrorNetwork, Message: "reset"}))

	p.ProcessOnce(context.Background())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Orphaned)
	assert.Equal(t, uint64(2), stats.Rejected)
	assert.Equal(t, uint64(2), stats.Processed)

	entry, ok := store.Get("r")
	require.True(t, ok)
	assert.Equal(t, domain.EntryCompleted, entry.Status)
	assert.Empty(t, entry.ErrorMessage)
}

func TestProcessorFilter(t *testing.T) {
	q := NewQueue(16)
	store := newTestStore(memory.Config{})
	p := NewProcessor(q, store, nil, ProcessorConfig{}, nil)
	p.SetFilter(&Filter{URLPatterns: []string{"*keep.com*"}})

	var statuses int
	p.OnStatus(func(domain.StatusChanged) { statuses++ })

	q.Publish(startEvent("a", "http://keep.com/x"))
	q.Publish(startEvent("b", "http://drop.com/x"))
	q.Publish(domain.NewEvent("", domain.StatusChanged{Running: true, Port: 3128}))

	p.ProcessOnce(context.Background())

	_, ok := store.Get("a")
	assert.True(t, ok)
	_, ok = store.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, statuses)
	assert.Equal(t, uint64(1), p.Stats().Filtered)
}

func TestProcessorCallbackPanicIsContained(t *testing.T) {
	q := NewQueue(16)
	p := NewProcessor(q, newTestStore(memory.Config{}), nil, ProcessorConfig{}, nil)

	p.OnEntryUpdated(func(domain.MonitoringEntry) { panic("boom") })
	var after int
	p.OnEntryUpdated(func(domain.MonitoringEntry) { after++ })

	q.Publish(startEvent("a", "http://a.com"))
	assert.NotPanics(t, func() { p.ProcessOnce(context.Background()) })
	assert.Equal(t, 1, after)
	assert.Equal(t, uint64(1), p.Stats().CallbackPanics)
}

func TestProcessorTruncatesBodies(t *testing.T) {
	q := NewQueue(16)
	store := newTestStore(memory.Config{MaxBodySize: 4})
	p := NewProcessor(q, store, nil, ProcessorConfig{}, nil)

	q.Publish(startEvent("a", "http://a.com"))
	q.Publish(domain.NewEvent("a", domain.ResponseReceived{StatusCode: 200, Body: []byte("hello world")}))
	p.ProcessOnce(context.Background())

	entry, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hell"), entry.ResponseBody)
	assert.True(t, entry.Truncated)
}

func TestProcessorBatching(t *testing.T) {
	q := NewQueue(64)
	p := NewProcessor(q, newTestStore(memory.Config{}), nil, ProcessorConfig{
		Batch: governance.BatchConfig{Enabled: true, Size: 3, MaxSize: 10, Timeout: 20 * time.Millisecond},
	}, nil)

	var mu sync.Mutex
	var batches [][]domain.MonitoringEntry
	p.OnEntriesUpdated(func(entries []domain.MonitoringEntry) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, entries)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 3; i++ {
		q.Publish(startEvent(fmt.Sprintf("r%d", i), "http://a.com"))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, b := range batches {
			total += len(b)
		}
		return total == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
	assert.GreaterOrEqual(t, p.Stats().Batches, uint64(1))
}

func TestProcessorRunStopsOnCancel(t *testing.T) {
	q := NewQueue(16)
	p := NewProcessor(q, newTestStore(memory.Config{}), nil, ProcessorConfig{PollTimeout: 10 * time.Millisecond}, nil)

	var mu sync.Mutex
	var got []string
	p.OnEntryUpdated(func(e domain.MonitoringEntry) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.RequestID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	q.Publish(startEvent("a", "http://a.com"))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}
