package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-monitor/internal/governance"
	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/memory"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// Processor defaults.
const (
	DefaultDrainBatch  = 100
	DefaultPollTimeout = 100 * time.Millisecond
)

// ProcessorConfig configures the drain loop.
type ProcessorConfig struct {
	DrainBatch  int                    `yaml:"drain_batch" json:"drain_batch"`
	PollTimeout time.Duration          `yaml:"poll_timeout" json:"poll_timeout"`
	Batch       governance.BatchConfig `yaml:"batch" json:"batch"`
}

// EntryStore holds monitoring entries. *memory.Manager implements it.
type EntryStore interface {
	Record(entry domain.MonitoringEntry) int
	Update(id string, fn func(*domain.MonitoringEntry) error) (domain.MonitoringEntry, error)
	Get(id string) (domain.MonitoringEntry, bool)
}

// UpdateGate paces update callbacks. *governance.Throttler implements it.
type UpdateGate interface {
	Submit(u governance.Update) domain.ThrottleDecision
}

// EntrySink receives entries once they reach a terminal state.
// *logrotate.Rotator implements it.
type EntrySink interface {
	AddEntry(entry domain.MonitoringEntry) error
}

type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeFiltered  outcome = "filtered"
	outcomeMalformed outcome = "malformed"
	outcomeOrphaned  outcome = "orphaned"
	outcomeRejected  outcome = "rejected"
)

// Processor is the single consumer of a Queue. Each drain cycle folds events
// into entries held by the EntryStore and then requests one throttled update
// per touched correlation id.
type Processor struct {
	queue  *Queue
	store  EntryStore
	gate   UpdateGate
	sink   EntrySink
	cfg    ProcessorConfig
	logger *slog.Logger

	batcher *governance.Batcher[domain.MonitoringEntry]

	mu             sync.RWMutex
	filter         *Filter
	entryHandlers  []func(domain.MonitoringEntry)
	batchHandlers  []func([]domain.MonitoringEntry)
	statusHandlers []func(domain.StatusChanged)
	kindHandlers   map[domain.EventKind][]func(domain.Event)
	metrics        *telemetry.Metrics

	statsMu sync.Mutex
	stats   domain.ProcessorStats
}

// NewProcessor creates a processor draining queue into store. gate may be nil,
// in which case updates run immediately.
func NewProcessor(queue *Queue, store EntryStore, gate UpdateGate, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}

	p := &Processor{
		queue:        queue,
		store:        store,
		gate:         gate,
		cfg:          cfg,
		logger:       logger,
		kindHandlers: make(map[domain.EventKind][]func(domain.Event)),
	}
	if cfg.Batch.Enabled {
		p.batcher = governance.NewBatcher(cfg.Batch, func(e domain.MonitoringEntry) string {
			return e.RequestID
		}, p.flushBatch, logger)
	}
	return p
}

// SetMetrics sets the Prometheus metrics collector
func (p *Processor) SetMetrics(m *telemetry.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// SetSink sets where terminal entries are written.
func (p *Processor) SetSink(sink EntrySink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// SetFilter replaces the active filter. A nil filter matches everything.
func (p *Processor) SetFilter(f *Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = f
}

// OnEntryUpdated registers a callback for updated entries.
func (p *Processor) OnEntryUpdated(fn func(domain.MonitoringEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entryHandlers = append(p.entryHandlers, fn)
}

// OnEntriesUpdated registers a callback for batched entry updates. It is
// only invoked when batching is enabled.
func (p *Processor) OnEntriesUpdated(fn func([]domain.MonitoringEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batchHandlers = append(p.batchHandlers, fn)
}

// OnStatus registers a callback for proxy status changes.
func (p *Processor) OnStatus(fn func(domain.StatusChanged)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusHandlers = append(p.statusHandlers, fn)
}

// OnEvent registers a callback for every applied event of kind.
func (p *Processor) OnEvent(kind domain.EventKind, fn func(domain.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kindHandlers[kind] = append(p.kindHandlers[kind], fn)
}

// Run drains the queue until ctx is cancelled or the queue is closed and
// empty. The cycle in progress when ctx is cancelled is completed before Run
// returns, and pending batched updates are flushed.
func (p *Processor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if p.batcher != nil {
		g.Go(func() error {
			return p.batcher.Run(gctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		for {
			if gctx.Err() != nil {
				return nil
			}
			if p.ProcessOnce(gctx) == 0 && p.queue.Closed() {
				return nil
			}
		}
	})

	return g.Wait()
}

// ProcessOnce drains one batch of events, waiting up to the poll timeout if
// the queue is empty, and returns the number of events handled.
func (p *Processor) ProcessOnce(ctx context.Context) int {
	batch := p.queue.Drain(ctx, p.cfg.DrainBatch, p.cfg.PollTimeout)
	if len(batch) == 0 {
		return 0
	}
	p.ProcessBatch(ctx, batch)
	return len(batch)
}

// pendingUpdate is the latest state of one correlation id within a cycle.
type pendingUpdate struct {
	entry    domain.MonitoringEntry
	priority domain.Priority
}

// ProcessBatch applies events in order and then issues one update request per
// correlation id touched by the batch.
func (p *Processor) ProcessBatch(ctx context.Context, batch []domain.Event) {
	start := time.Now()

	p.mu.RLock()
	filter := p.filter
	sink := p.sink
	metrics := p.metrics
	p.mu.RUnlock()

	dm := telemetry.DrainMetrics{Events: len(batch)}
	updates := make(map[string]*pendingUpdate)
	var order []string

	for _, ev := range batch {
		result, entry, err := p.apply(ev, filter)

		switch result {
		case outcomeApplied:
			dm.Applied++
		case outcomeFiltered:
			dm.Filtered++
		case outcomeMalformed:
			dm.Malformed++
			p.logger.Warn("skipping malformed event",
				"sequence", ev.Sequence,
				"request_id", ev.RequestID,
				"error", domain.NewMalformedEventError(err, ev),
			)
		case outcomeOrphaned:
			dm.Orphaned++
			p.logger.Debug("event for unknown entry",
				"request_id", ev.RequestID,
				"kind", ev.Kind(),
			)
		case outcomeRejected:
			dm.Rejected++
			p.logger.Warn("event rejected by entry",
				"request_id", ev.RequestID,
				"kind", ev.Kind(),
				"error", err,
			)
		}
		if metrics != nil {
			metrics.RecordEventProcessed(string(ev.Kind()), string(result))
		}
		if result != outcomeApplied {
			continue
		}

		p.dispatchKind(ev)

		if status, ok := ev.Payload.(domain.StatusChanged); ok {
			p.dispatchStatus(status)
			continue
		}

		if isTerminal(ev) && sink != nil {
			if err := sink.AddEntry(entry); err != nil {
				p.logger.Debug("entry not persisted", "request_id", entry.RequestID, "error", err)
			}
		}

		u, ok := updates[entry.RequestID]
		if !ok {
			u = &pendingUpdate{}
			updates[entry.RequestID] = u
			order = append(order, entry.RequestID)
		}
		u.entry = entry
		u.priority = max(u.priority, ev.Priority)
	}

	for _, id := range order {
		p.requestUpdate(updates[id])
	}
	dm.Updates = len(order)
	dm.Duration = time.Since(start)

	p.statsMu.Lock()
	p.stats.Cycles++
	p.stats.Processed += uint64(dm.Applied)
	p.stats.Filtered += uint64(dm.Filtered)
	p.stats.Malformed += uint64(dm.Malformed)
	p.stats.Orphaned += uint64(dm.Orphaned)
	p.stats.Rejected += uint64(dm.Rejected)
	p.stats.UpdatesRequested += uint64(dm.Updates)
	p.stats.LastProcessed = time.Now()
	p.statsMu.Unlock()

	telemetry.RecordDrainMetrics(ctx, dm)
	if metrics != nil {
		metrics.RecordDrainCycle(dm.Duration)
	}
}

// apply folds one event into its entry. The returned entry is a copy of the
// state after the event.
func (p *Processor) apply(ev domain.Event, filter *Filter) (outcome, domain.MonitoringEntry, error) {
	switch payload := ev.Payload.(type) {
	case domain.StatusChanged:
		return outcomeApplied, domain.MonitoringEntry{}, nil

	case domain.RequestStarted:
		if ev.RequestID == "" {
			return outcomeMalformed, domain.MonitoringEntry{}, domain.ErrMissingCorrelationID
		}
		if !filter.Matches(ev, nil) {
			return outcomeFiltered, domain.MonitoringEntry{}, nil
		}
		if _, exists := p.store.Get(ev.RequestID); exists {
			return outcomeRejected, domain.MonitoringEntry{}, domain.ErrDuplicateStart
		}
		entry, err := domain.NewEntry(ev)
		if err != nil {
			return outcomeMalformed, domain.MonitoringEntry{}, err
		}
		p.store.Record(*entry)
		if stored, ok := p.store.Get(ev.RequestID); ok {
			return outcomeApplied, stored, nil
		}
		// Evicted by a concurrent pressure cleanup before it could be read back.
		return outcomeApplied, *entry, nil

	case domain.ResponseReceived, domain.ErrorOccurred, domain.DecisionUpdated:
		if ev.RequestID == "" {
			return outcomeMalformed, domain.MonitoringEntry{}, domain.ErrMissingCorrelationID
		}
		current, ok := p.store.Get(ev.RequestID)
		if !ok {
			return outcomeOrphaned, domain.MonitoringEntry{}, memory.ErrEntryNotFound
		}
		if !filter.Matches(ev, &current) {
			return outcomeFiltered, current, nil
		}
		updated, err := p.store.Update(ev.RequestID, func(e *domain.MonitoringEntry) error {
			return e.Apply(ev)
		})
		switch {
		case errors.Is(err, memory.ErrEntryNotFound):
			return outcomeOrphaned, domain.MonitoringEntry{}, err
		case errors.Is(err, domain.ErrTerminalState), errors.Is(err, domain.ErrDuplicateStart):
			return outcomeRejected, updated, err
		case err != nil:
			return outcomeMalformed, updated, err
		}
		return outcomeApplied, updated, nil

	case nil:
		return outcomeMalformed, domain.MonitoringEntry{}, domain.ErrUnknownEvent

	default:
		return outcomeMalformed, domain.MonitoringEntry{}, fmt.Errorf("payload %T: %w", payload, domain.ErrUnknownEvent)
	}
}

func isTerminal(ev domain.Event) bool {
	switch ev.Payload.(type) {
	case domain.ResponseReceived, domain.ErrorOccurred:
		return true
	default:
		return false
	}
}

func (p *Processor) requestUpdate(u *pendingUpdate) {
	if p.batcher != nil {
		p.batcher.Add(u.entry)
		return
	}

	entry := u.entry
	fn := func() { p.notifyEntry(entry) }
	if p.gate == nil {
		fn()
		return
	}
	p.gate.Submit(governance.Update{
		Key:      entry.RequestID,
		Priority: u.priority,
		Fn:       fn,
	})
}

// flushBatch delivers a batch of entries as one combined invocation.
func (p *Processor) flushBatch(entries []domain.MonitoringEntry) {
	p.mu.RLock()
	batchHandlers := p.batchHandlers
	entryHandlers := p.entryHandlers
	p.mu.RUnlock()

	fn := func() {
		for _, h := range batchHandlers {
			p.safeCall(func() { h(entries) })
		}
		for _, e := range entries {
			for _, h := range entryHandlers {
				p.safeCall(func() { h(e) })
			}
		}
	}
	if p.gate == nil {
		fn()
		return
	}
	p.gate.Submit(governance.Update{Key: "batch", Priority: domain.PriorityNormal, Fn: fn})
}

func (p *Processor) notifyEntry(entry domain.MonitoringEntry) {
	p.mu.RLock()
	handlers := p.entryHandlers
	p.mu.RUnlock()

	for _, h := range handlers {
		p.safeCall(func() { h(entry) })
	}
}

func (p *Processor) dispatchStatus(status domain.StatusChanged) {
	p.mu.RLock()
	handlers := p.statusHandlers
	p.mu.RUnlock()

	for _, h := range handlers {
		p.safeCall(func() { h(status) })
	}
}

func (p *Processor) dispatchKind(ev domain.Event) {
	p.mu.RLock()
	handlers := p.kindHandlers[ev.Kind()]
	p.mu.RUnlock()

	for _, h := range handlers {
		p.safeCall(func() { h(ev) })
	}
}

func (p *Processor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.statsMu.Lock()
			p.stats.CallbackPanics++
			p.statsMu.Unlock()
			p.logger.Error("processor callback panicked", "panic", r)
		}
	}()
	fn()
}

// Stats returns a snapshot of processor counters.
func (p *Processor) Stats() domain.ProcessorStats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()

	if p.batcher != nil {
		s.Batches = p.batcher.Stats().Batches
	}
	return s
}
