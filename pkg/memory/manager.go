package memory

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// Memory defaults.
const (
	DefaultMaxEntries            = 1000
	DefaultMaxMemoryMB           = 500
	DefaultMaxBodySize           = 10 * 1024
	DefaultCleanupInterval       = time.Minute
	DefaultPressureEvictFraction = 0.25
	DefaultWarningPercent        = 80

	historyLimit = 10
)

// Config bounds the live working set of monitoring entries.
type Config struct {
	MaxEntries            int           `yaml:"max_entries" json:"max_entries"`
	MaxMemoryMB           float64       `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxBodySize           int           `yaml:"max_body_size" json:"max_body_size"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	PressureEvictFraction float64       `yaml:"pressure_evict_fraction" json:"pressure_evict_fraction"`
	WarningPercent        float64       `yaml:"warning_percent" json:"warning_percent"`
}

// DefaultConfig returns the default memory configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:            DefaultMaxEntries,
		MaxMemoryMB:           DefaultMaxMemoryMB,
		MaxBodySize:           DefaultMaxBodySize,
		CleanupInterval:       DefaultCleanupInterval,
		PressureEvictFraction: DefaultPressureEvictFraction,
		WarningPercent:        DefaultWarningPercent,
	}
}

// Validate checks the memory configuration. Zero values select defaults.
func (c Config) Validate() error {
	if c.MaxEntries < 0 || c.MaxBodySize < 0 {
		return fmt.Errorf("max_entries and max_body_size must not be negative")
	}
	if c.MaxMemoryMB < 0 {
		return fmt.Errorf("max_memory_mb must not be negative")
	}
	if c.PressureEvictFraction < 0 || c.PressureEvictFraction > 1 {
		return fmt.Errorf("pressure_evict_fraction must be between 0 and 1, got %v", c.PressureEvictFraction)
	}
	if c.WarningPercent < 0 || c.WarningPercent >= 100 {
		return fmt.Errorf("warning_percent must be below 100, got %v", c.WarningPercent)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = d.MaxMemoryMB
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.PressureEvictFraction <= 0 || c.PressureEvictFraction > 1 {
		c.PressureEvictFraction = d.PressureEvictFraction
	}
	if c.WarningPercent <= 0 {
		c.WarningPercent = d.WarningPercent
	}
	return c
}

// Manager stores monitoring entries under count, body-size and process
// memory ceilings. Entries are evicted oldest-first by insertion order.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	entries   map[string]*list.Element
	order     *list.List // front is the oldest insertion
	bodyBytes int64

	sampler   Sampler
	usage     domain.MemoryUsage
	warning   bool
	history   []domain.CleanupRecord
	callbacks []func(removed int)

	countEvictions   uint64
	pressureEvicted  uint64
	pressureCleanups uint64
	truncations      uint64

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewManager creates a memory manager. A nil sampler uses NewProcessSampler.
func NewManager(cfg Config, sampler Sampler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sampler == nil {
		sampler = NewProcessSampler()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*list.Element),
		order:   list.New(),
		sampler: sampler,
		logger:  logger,
	}
}

// SetMetrics sets the Prometheus metrics collector
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// SetLimits applies new limits. Lowering MaxEntries evicts immediately.
func (m *Manager) SetLimits(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	evicted := m.enforceCountLocked()
	metrics := m.metrics
	m.mu.Unlock()

	m.recordEvictions(metrics, "count", evicted)
}

// OnCleanup registers a callback invoked with the number of entries removed
// by each pressure or forced cleanup pass. Callbacks observe; they cannot veto.
func (m *Manager) OnCleanup(fn func(removed int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Record stores or replaces entry. A new correlation id is appended as the
// newest entry; a known id keeps its position. It returns the number of
// entries evicted to stay within MaxEntries.
func (m *Manager) Record(entry domain.MonitoringEntry) int {
	m.mu.Lock()
	stored := entry.Clone()
	m.truncateLocked(&stored)

	if el, ok := m.entries[stored.RequestID]; ok {
		old := el.Value.(*domain.MonitoringEntry)
		m.bodyBytes += int64(stored.BodySize() - old.BodySize())
		el.Value = &stored
	} else {
		m.entries[stored.RequestID] = m.order.PushBack(&stored)
		m.bodyBytes += int64(stored.BodySize())
	}

	evicted := m.enforceCountLocked()
	metrics := m.metrics
	count := len(m.entries)
	m.mu.Unlock()

	if metrics != nil {
		metrics.UpdateEntries(count)
	}
	m.recordEvictions(metrics, "count", evicted)
	return evicted
}

// Update applies fn to the stored entry for id under the manager's lock and
// returns a copy of the result. fn must not call back into the Manager.
func (m *Manager) Update(id string, fn func(*domain.MonitoringEntry) error) (domain.MonitoringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[id]
	if !ok {
		return domain.MonitoringEntry{}, ErrEntryNotFound
	}
	entry := el.Value.(*domain.MonitoringEntry)
	before := entry.BodySize()
	if err := fn(entry); err != nil {
		return entry.Clone(), err
	}
	m.truncateLocked(entry)
	m.bodyBytes += int64(entry.BodySize() - before)
	return entry.Clone(), nil
}

// truncateLocked cuts body payloads to MaxBodySize and marks the entry.
func (m *Manager) truncateLocked(e *domain.MonitoringEntry) {
	limit := m.cfg.MaxBodySize
	if len(e.RequestBody) > limit {
		e.RequestBody = bytes.Clone(e.RequestBody[:limit])
		e.Truncated = true
		m.noteTruncationLocked()
	}
	if len(e.ResponseBody) > limit {
		e.ResponseBody = bytes.Clone(e.ResponseBody[:limit])
		e.Truncated = true
		m.noteTruncationLocked()
	}
}

func (m *Manager) noteTruncationLocked() {
	m.truncations++
	if m.metrics != nil {
		m.metrics.RecordTruncation()
	}
}

func (m *Manager) enforceCountLocked() int {
	evicted := 0
	for len(m.entries) > m.cfg.MaxEntries {
		m.removeLocked(m.order.Front())
		evicted++
	}
	m.countEvictions += uint64(evicted)
	return evicted
}

func (m *Manager) removeLocked(el *list.Element) {
	entry := el.Value.(*domain.MonitoringEntry)
	m.order.Remove(el)
	delete(m.entries, entry.RequestID)
	m.bodyBytes -= int64(entry.BodySize())
}

// evictOldestLocked removes up to n of the oldest entries.
func (m *Manager) evictOldestLocked(n int) int {
	removed := 0
	for removed < n && m.order.Len() > 0 {
		m.removeLocked(m.order.Front())
		removed++
	}
	return removed
}

// Get returns a copy of the entry for id.
func (m *Manager) Get(id string) (domain.MonitoringEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[id]
	if !ok {
		return domain.MonitoringEntry{}, false
	}
	return el.Value.(*domain.MonitoringEntry).Clone(), true
}

// List returns up to limit entries, newest first. A limit <= 0 returns all.
func (m *Manager) List(limit int) []domain.MonitoringEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.order.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.MonitoringEntry, 0, n)
	for el := m.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, el.Value.(*domain.MonitoringEntry).Clone())
	}
	return out
}

// Remove deletes the entry for id.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[id]
	if !ok {
		return false
	}
	m.removeLocked(el)
	return true
}

// Clear removes every entry and returns how many were removed.
func (m *Manager) Clear() int {
	m.mu.Lock()
	n := len(m.entries)
	m.entries = make(map[string]*list.Element)
	m.order.Init()
	m.bodyBytes = 0
	metrics := m.metrics
	m.mu.Unlock()

	if metrics != nil {
		metrics.UpdateEntries(0)
	}
	return n
}

// Len returns the number of stored entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CheckPressure samples process memory. When usage exceeds MaxMemoryMB it
// evicts PressureEvictFraction of the oldest entries regardless of the count
// ceiling, then notifies cleanup callbacks.
func (m *Manager) CheckPressure(ctx context.Context) (domain.MemoryUsage, error) {
	usage, err := m.sampler.Sample(ctx)
	if err != nil && usage.ProcessMB == 0 {
		m.logger.Warn("memory sample failed", "error", err)
		return usage, err
	}

	m.mu.Lock()
	m.usage = usage
	percent := m.percentLocked()
	wasWarning := m.warning
	m.warning = percent >= m.cfg.WarningPercent
	enteredWarning := m.warning && !wasWarning
	metrics := m.metrics

	removed := 0
	if usage.ProcessMB > m.cfg.MaxMemoryMB {
		removed = m.pressureEvictLocked("pressure", m.cfg.PressureEvictFraction)
	}
	count := len(m.entries)
	callbacks := m.callbacks
	m.mu.Unlock()

	if enteredWarning {
		m.logger.Warn("memory usage above warning threshold",
			"process_mb", usage.ProcessMB,
			"percent", percent,
		)
	}
	if metrics != nil {
		metrics.UpdateMemoryUsage(usage.ProcessMB)
		metrics.UpdateEntries(count)
	}
	if removed > 0 {
		m.logger.Info("pressure cleanup evicted entries",
			"removed", removed,
			"process_mb", usage.ProcessMB,
			"max_memory_mb", m.cfg.MaxMemoryMB,
		)
		m.recordEvictions(metrics, "pressure", removed)
		notify(m.logger, callbacks, removed)
	}
	return usage, err
}

// ForceCleanup evicts PressureEvictFraction of the oldest entries immediately,
// bypassing the usage check. It returns the number removed.
func (m *Manager) ForceCleanup(ctx context.Context, reason string) int {
	usage, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Debug("memory sample failed during forced cleanup", "error", err)
	}

	m.mu.Lock()
	if usage.ProcessMB > 0 {
		m.usage = usage
	}
	removed := m.pressureEvictLocked(reason, m.cfg.PressureEvictFraction)
	metrics := m.metrics
	count := len(m.entries)
	callbacks := m.callbacks
	m.mu.Unlock()

	if metrics != nil {
		metrics.UpdateEntries(count)
	}
	if removed > 0 {
		m.recordEvictions(metrics, reason, removed)
		notify(m.logger, callbacks, removed)
	}
	return removed
}

func (m *Manager) pressureEvictLocked(reason string, fraction float64) int {
	n := len(m.entries)
	if n == 0 {
		return 0
	}
	target := max(1, int(math.Ceil(float64(n)*fraction)))
	removed := m.evictOldestLocked(target)

	m.pressureEvicted += uint64(removed)
	m.pressureCleanups++
	m.history = append(m.history, domain.CleanupRecord{
		Reason:  reason,
		Removed: removed,
		Usage:   m.usage,
		At:      time.Now(),
	})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	return removed
}

func (m *Manager) percentLocked() float64 {
	if m.cfg.MaxMemoryMB <= 0 {
		return 0
	}
	return m.usage.ProcessMB / m.cfg.MaxMemoryMB * 100
}

// LoadFactor returns how far usage sits between the warning threshold and
// the ceiling, in [0,1].
func (m *Manager) LoadFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	percent := m.percentLocked()
	span := 100 - m.cfg.WarningPercent
	if span <= 0 || percent <= m.cfg.WarningPercent {
		return 0
	}
	return min(1, (percent-m.cfg.WarningPercent)/span)
}

func (m *Manager) recordEvictions(metrics *telemetry.Metrics, reason string, n int) {
	if metrics != nil && n > 0 {
		metrics.RecordEntryEvictions(reason, n)
	}
}

func notify(logger *slog.Logger, callbacks []func(int), removed int) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("cleanup callback panicked", "panic", r)
				}
			}()
			fn(removed)
		}()
	}
}

// Run checks memory pressure every CleanupInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	interval := m.cfg.CleanupInterval
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = m.CheckPressure(ctx)
		}
	}
}

// Stats returns a snapshot of memory manager counters.
func (m *Manager) Stats() domain.MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return domain.MemoryStats{
		Entries:          len(m.entries),
		MaxEntries:       m.cfg.MaxEntries,
		MaxMemoryMB:      m.cfg.MaxMemoryMB,
		MaxBodySize:      m.cfg.MaxBodySize,
		BodyBytes:        m.bodyBytes,
		Usage:            m.usage,
		UsagePercent:     m.percentLocked(),
		Warning:          m.warning,
		CountEvictions:   m.countEvictions,
		PressureEvicted:  m.pressureEvicted,
		PressureCleanups: m.pressureCleanups,
		Truncations:      m.truncations,
		History:          append([]domain.CleanupRecord(nil), m.history...),
	}
}
