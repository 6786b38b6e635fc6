// Package monitor aggregates the statistics of every governed component into
// a performance score, raises threshold alerts and forces optimization passes.
package monitor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-monitor/pkg/cleaner"
	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// MemoryGovernor is the memory manager surface the monitor drives.
type MemoryGovernor interface {
	Stats() domain.MemoryStats
	ForceCleanup(ctx context.Context, reason string) int
	LoadFactor() float64
	Run(ctx context.Context) error
}

// UpdateGovernor is the update throttler surface the monitor drives.
type UpdateGovernor interface {
	Stats() domain.ThrottleStats
	AdjustForLoad(load float64)
	Pending() int
	ClearPending() int
	Run(ctx context.Context) error
}

// ResourceGovernor is the resource cleaner surface the monitor drives.
type ResourceGovernor interface {
	Stats() domain.CleanupStats
	Sweep() cleaner.Result
	Run(ctx context.Context) error
}

// LogGovernor is the log rotator surface the monitor drives.
type LogGovernor interface {
	Stats() domain.LogStats
	Run(ctx context.Context) error
}

// Components are the governed components. Any of them may be nil.
type Components struct {
	Memory    MemoryGovernor
	Throttle  UpdateGovernor
	Cleaner   ResourceGovernor
	Log       LogGovernor
	Queue     func() domain.QueueStats
	Processor func() domain.ProcessorStats
}

// OptimizationResult describes one forced optimization pass.
type OptimizationResult struct {
	Trigger            string    `json:"trigger"`
	At                 time.Time `json:"at"`
	EntriesRemoved     int       `json:"entries_removed"`
	ResourcesReclaimed int       `json:"resources_reclaimed"`
	ResourceFailures   int       `json:"resource_failures"`
	PendingCleared     int       `json:"pending_cleared"`
	ScoreBefore        float64   `json:"score_before"`
	ScoreAfter         float64   `json:"score_after"`
}

// Report is a snapshot plus optimization history and recommendations.
type Report struct {
	Snapshot        domain.PerformanceSnapshot `json:"snapshot"`
	Optimizations   []OptimizationResult       `json:"optimizations,omitempty"`
	Recommendations []string                   `json:"recommendations,omitempty"`
}

// AlertFunc receives each breached threshold with the snapshot that breached it.
type AlertFunc func(domain.AlertKind, domain.PerformanceSnapshot)

// Monitor supervises the governed components.
type Monitor struct {
	mu            sync.Mutex
	thresholds    Thresholds
	components    Components
	alertHandlers []AlertFunc
	last          domain.PerformanceSnapshot
	optimizations []OptimizationResult

	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Monitor over components.
func New(thresholds Thresholds, components Components, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		thresholds: thresholds.withDefaults(),
		components: components,
		now:        time.Now,
		logger:     logger,
	}
}

// SetMetrics sets the Prometheus metrics collector
func (m *Monitor) SetMetrics(metrics *telemetry.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// SetClock replaces the time source. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetThresholds replaces the alert thresholds. The sample interval applies
// from the next Run.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t.withDefaults()
}

// Thresholds returns the active thresholds.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// OnAlert registers an alert callback.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, fn)
}

func (m *Monitor) presence() presence {
	c := m.components
	return presence{
		memory:   c.Memory != nil,
		throttle: c.Throttle != nil,
		cleanup:  c.Cleaner != nil,
		log:      c.Log != nil,
	}
}

// Snapshot reads every component's statistics and scores them. It has no
// side effects on the components.
func (m *Monitor) Snapshot() domain.PerformanceSnapshot {
	m.mu.Lock()
	c, th, now := m.components, m.thresholds, m.now
	p := m.presence()
	m.mu.Unlock()

	s := domain.PerformanceSnapshot{Timestamp: now()}
	if c.Memory != nil {
		s.Memory = c.Memory.Stats()
	}
	if c.Throttle != nil {
		s.Throttle = c.Throttle.Stats()
	}
	if c.Cleaner != nil {
		s.Cleanup = c.Cleaner.Stats()
	}
	if c.Log != nil {
		s.Log = c.Log.Stats()
	}
	if c.Queue != nil {
		s.Queue = c.Queue()
	}
	if c.Processor != nil {
		s.Processor = c.Processor()
	}
	s.Score = score(s, p)
	s.Alerts = alerts(s, p, th)
	return s
}

// Last returns the snapshot taken by the most recent Sample.
func (m *Monitor) Last() domain.PerformanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Sample takes a snapshot, feeds memory load into the throttler, fires alert
// callbacks for every breached threshold and, when enabled, forces an
// optimization pass below the critical score.
func (m *Monitor) Sample(ctx context.Context) domain.PerformanceSnapshot {
	m.mu.Lock()
	c := m.components
	m.mu.Unlock()

	if c.Memory != nil && c.Throttle != nil {
		c.Throttle.AdjustForLoad(c.Memory.LoadFactor())
	}

	snap := m.Snapshot()

	m.mu.Lock()
	m.last = snap
	th := m.thresholds
	handlers := slices.Clone(m.alertHandlers)
	metrics := m.metrics
	m.mu.Unlock()

	if metrics != nil {
		metrics.UpdatePerformanceScore(snap.Score)
	}
	for _, kind := range snap.Alerts {
		m.logger.Warn("performance alert",
			"alert", kind,
			"score", snap.Score,
		)
		if metrics != nil {
			metrics.RecordAlert(string(kind))
		}
		for _, fn := range handlers {
			m.safeCall(func() { fn(kind, snap) })
		}
	}

	if th.AutoOptimize && snap.Score < th.CriticalScore {
		m.logger.Info("score below critical floor, optimizing",
			"score", snap.Score,
			"critical_score", th.CriticalScore,
		)
		m.ForceOptimization(ctx, "auto")
	}
	return snap
}

// ForceOptimization runs an immediate memory cleanup and resource sweep,
// bypassing their normal cadence, and discards queued throttle updates when
// the backlog is deep.
func (m *Monitor) ForceOptimization(ctx context.Context, trigger string) OptimizationResult {
	m.mu.Lock()
	c, now := m.components, m.now
	m.mu.Unlock()

	result := OptimizationResult{
		Trigger:     trigger,
		At:          now(),
		ScoreBefore: m.Snapshot().Score,
	}
	if c.Memory != nil {
		result.EntriesRemoved = c.Memory.ForceCleanup(ctx, "optimization")
	}
	if c.Cleaner != nil {
		swept := c.Cleaner.Sweep()
		result.ResourcesReclaimed = swept.Reclaimed
		result.ResourceFailures = swept.Failed
	}
	if c.Throttle != nil && c.Throttle.Pending() > pendingClearThreshold {
		result.PendingCleared = c.Throttle.ClearPending()
	}
	result.ScoreAfter = m.Snapshot().Score

	m.mu.Lock()
	m.optimizations = append(m.optimizations, result)
	if len(m.optimizations) > historyLimit {
		m.optimizations = m.optimizations[len(m.optimizations)-historyLimit:]
	}
	metrics := m.metrics
	m.mu.Unlock()

	telemetry.RecordOptimizationMetrics(ctx, trigger, result.EntriesRemoved, result.ResourcesReclaimed)
	if metrics != nil {
		metrics.RecordOptimization(trigger)
	}
	m.logger.Info("optimization completed",
		"trigger", trigger,
		"entries_removed", result.EntriesRemoved,
		"resources_reclaimed", result.ResourcesReclaimed,
		"pending_cleared", result.PendingCleared,
		"score_before", result.ScoreBefore,
		"score_after", result.ScoreAfter,
	)
	return result
}

// Report returns a fresh snapshot with optimization history and recommendations.
func (m *Monitor) Report() Report {
	snap := m.Snapshot()

	m.mu.Lock()
	history := slices.Clone(m.optimizations)
	m.mu.Unlock()

	return Report{
		Snapshot:        snap,
		Optimizations:   history,
		Recommendations: recommend(snap),
	}
}

func recommend(s domain.PerformanceSnapshot) []string {
	var out []string
	for _, kind := range s.Alerts {
		switch kind {
		case domain.AlertMemoryUsage:
			out = append(out, "lower memory.max_entries or memory.max_body_size, or raise memory.max_memory_mb")
		case domain.AlertHighThrottling:
			out = append(out, "switch throttle.mode to adaptive or enable throttle.batch to absorb update bursts")
		case domain.AlertCleanupFailures:
			out = append(out, "check reclaim functions of tracked resources; failures are listed in the cleaner log")
		case domain.AlertLogDisabled:
			out = append(out, "log rotation is disabled; verify rotation.directory is writable")
		}
	}
	if s.Log.OverFileLimit {
		out = append(out, "sealed log segments exceed rotation.max_files; lower rotation.max_age")
	}
	if s.Queue.Capacity > 0 && s.Queue.Evicted > 0 {
		out = append(out, "events were evicted from a full queue; raise queue.capacity or queue.drain_batch")
	}
	return out
}

// Run supervises every governed component's background loop and samples at
// the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	c := m.components
	interval := m.thresholds.SampleInterval
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	if c.Memory != nil {
		g.Go(func() error { return c.Memory.Run(ctx) })
	}
	if c.Throttle != nil {
		g.Go(func() error { return c.Throttle.Run(ctx) })
	}
	if c.Cleaner != nil {
		g.Go(func() error { return c.Cleaner.Run(ctx) })
	}
	if c.Log != nil {
		g.Go(func() error { return c.Log.Run(ctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.Sample(ctx)
			}
		}
	})
	return g.Wait()
}

func (m *Monitor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert callback panicked", "panic", r)
		}
	}()
	fn()
}
