package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// Mode selects how the Throttler paces update callbacks.
type Mode string

const (
	// ModeFixed enforces a constant minimum interval between callbacks.
	ModeFixed Mode = "fixed"
	// ModeAdaptive widens the interval as the observed request rate exceeds the ceiling.
	ModeAdaptive Mode = "adaptive"
	// ModeBurst admits a token-bucket burst above the steady rate.
	ModeBurst Mode = "burst"
)

// Throttle defaults.
const (
	DefaultMaxUpdatesPerSecond = 30
	DefaultMinUpdateInterval   = 33 * time.Millisecond
	DefaultBurstSize           = 100
	DefaultMaxPending          = 50
	DefaultAdaptiveWindow      = time.Second
	DefaultMaxInterval         = 500 * time.Millisecond
	DefaultAdaptiveGain        = 0.5
)

// ThrottleConfig configures the Throttler.
type ThrottleConfig struct {
	Mode                Mode          `yaml:"mode" json:"mode"`
	MaxUpdatesPerSecond int           `yaml:"max_updates_per_second" json:"max_updates_per_second"`
	MinUpdateInterval   time.Duration `yaml:"min_update_interval" json:"min_update_interval"`
	BurstSize           int           `yaml:"burst_size" json:"burst_size"`
	MaxPending          int           `yaml:"max_pending" json:"max_pending"`
	AdaptiveWindow      time.Duration `yaml:"adaptive_window" json:"adaptive_window"`
	MaxInterval         time.Duration `yaml:"max_interval" json:"max_interval"`
	AdaptiveGain        float64       `yaml:"adaptive_gain" json:"adaptive_gain"`
	Batch               BatchConfig   `yaml:"batch" json:"batch"`
}

// DefaultThrottleConfig returns the default throttle configuration.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Mode:                ModeFixed,
		MaxUpdatesPerSecond: DefaultMaxUpdatesPerSecond,
		MinUpdateInterval:   DefaultMinUpdateInterval,
		BurstSize:           DefaultBurstSize,
		MaxPending:          DefaultMaxPending,
		AdaptiveWindow:      DefaultAdaptiveWindow,
		MaxInterval:         DefaultMaxInterval,
		AdaptiveGain:        DefaultAdaptiveGain,
		Batch:               DefaultBatchConfig(),
	}
}

// Validate checks the throttle configuration.
func (c ThrottleConfig) Validate() error {
	switch c.Mode {
	case ModeFixed, ModeAdaptive, ModeBurst:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.MaxUpdatesPerSecond <= 0 {
		return fmt.Errorf("max_updates_per_second must be positive")
	}
	if c.MinUpdateInterval < 0 {
		return fmt.Errorf("min_update_interval cannot be negative")
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("max_pending must be positive")
	}
	if c.AdaptiveGain < 0 || c.AdaptiveGain > 1 {
		return fmt.Errorf("adaptive_gain must be between 0 and 1")
	}
	if c.MaxInterval > 0 && c.MaxInterval < c.baseInterval() {
		return fmt.Errorf("max_interval %s is below the base interval %s", c.MaxInterval, c.baseInterval())
	}
	return c.Batch.Validate()
}

// baseInterval is the steady-state interval: the larger of the configured
// minimum and the spacing implied by the update ceiling.
func (c ThrottleConfig) baseInterval() time.Duration {
	base := c.MinUpdateInterval
	if c.MaxUpdatesPerSecond > 0 {
		base = max(base, time.Second/time.Duration(c.MaxUpdatesPerSecond))
	}
	return base
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	d := DefaultThrottleConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.MaxUpdatesPerSecond <= 0 {
		c.MaxUpdatesPerSecond = d.MaxUpdatesPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = d.BurstSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.AdaptiveWindow <= 0 {
		c.AdaptiveWindow = d.AdaptiveWindow
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = max(d.MaxInterval, c.baseInterval())
	}
	if c.AdaptiveGain <= 0 {
		c.AdaptiveGain = d.AdaptiveGain
	}
	return c
}

// Update is a keyed update request. Pending updates with the same non-empty
// key are coalesced so only the newest callback runs.
type Update struct {
	Key      string
	Priority domain.Priority
	Fn       func()
}

type pendingUpdate struct {
	Update
	seq uint64
}

// Throttler governs how often downstream update callbacks execute.
//
// Admitted callbacks run synchronously on the submitting goroutine after the
// internal lock is released. Deferred callbacks run from Flush, which Run
// calls at each allowed slot.
type Throttler struct {
	mu       sync.Mutex
	cfg      ThrottleConfig
	interval time.Duration
	lastRun  time.Time
	bucket   *tokenBucket
	window   *rateWindow
	load     float64
	depleted bool

	pending []*pendingUpdate
	nextSeq uint64
	wake    chan struct{}

	stats domain.ThrottleStats

	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewThrottler creates a throttler. Zero-valued fields take their defaults.
func NewThrottler(cfg ThrottleConfig, logger *slog.Logger) *Throttler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	t := &Throttler{
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		logger: logger,
	}
	now := t.now()
	t.interval = cfg.baseInterval()
	t.bucket = newTokenBucket(cfg.MaxUpdatesPerSecond, cfg.BurstSize, now)
	t.window = newRateWindow(cfg.AdaptiveWindow, 10)
	return t
}

// SetMetrics sets the Prometheus metrics collector
func (t *Throttler) SetMetrics(m *telemetry.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// SetClock replaces the time source. Intended for tests.
func (t *Throttler) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.bucket.lastRefill = now()
}

// Configure applies a new configuration while keeping pending updates.
func (t *Throttler) Configure(cfg ThrottleConfig) {
	cfg = cfg.withDefaults()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.cfg = cfg
	t.bucket.configure(cfg.MaxUpdatesPerSecond, cfg.BurstSize)
	t.window = newRateWindow(cfg.AdaptiveWindow, 10)
	base := cfg.baseInterval()
	if cfg.Mode != ModeAdaptive || t.interval < base {
		t.interval = base
	}
	t.interval = min(t.interval, cfg.MaxInterval)
	for len(t.pending) > cfg.MaxPending {
		t.removePendingLocked(t.lowestPendingLocked())
		t.stats.Dropped++
	}
}

// Mode returns the active mode.
func (t *Throttler) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Mode
}

// RequestUpdate asks to run fn. It reports whether fn was admitted and ran now.
// A refused callback may still run later from the pending queue.
func (t *Throttler) RequestUpdate(fn func(), priority domain.Priority) bool {
	return t.Submit(Update{Priority: priority, Fn: fn}) == domain.Allowed
}

// Submit asks to run a keyed update and returns the throttle decision.
func (t *Throttler) Submit(u Update) domain.ThrottleDecision {
	if u.Fn == nil {
		return domain.Dropped
	}

	t.mu.Lock()
	now := t.now()
	t.stats.Total++
	t.window.add(now)
	if t.cfg.Mode == ModeAdaptive {
		t.adaptLocked(now)
	}

	if t.takeSlotLocked(now) {
		superseded := 0
		if u.Key != "" {
			superseded = t.dropKeyLocked(u.Key)
			t.stats.Merged += uint64(superseded)
		}
		t.stats.Allowed++
		t.stats.Executed++
		metrics := t.metrics
		t.mu.Unlock()

		t.record(metrics, domain.Allowed)
		t.run(u.Fn)
		return domain.Allowed
	}

	decision := t.enqueueLocked(u)
	metrics := t.metrics
	t.mu.Unlock()

	if decision == domain.Deferred || decision == domain.Merged {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	t.record(metrics, decision)
	return decision
}

// ForceUpdate runs fn immediately, bypassing throttling.
func (t *Throttler) ForceUpdate(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.stats.Forced++
	t.stats.Executed++
	metrics := t.metrics
	t.mu.Unlock()

	if metrics != nil {
		metrics.RecordThrottleDecision("forced")
	}
	t.run(fn)
}

func (t *Throttler) enqueueLocked(u Update) domain.ThrottleDecision {
	if u.Key != "" {
		for _, p := range t.pending {
			if p.Key == u.Key {
				p.Fn = u.Fn
				p.Priority = max(p.Priority, u.Priority)
				t.stats.Merged++
				return domain.Merged
			}
		}
	}

	if len(t.pending) >= t.cfg.MaxPending {
		victim := t.lowestPendingLocked()
		if t.pending[victim].Priority >= u.Priority {
			t.stats.Dropped++
			return domain.Dropped
		}
		t.removePendingLocked(victim)
		t.stats.Dropped++
	}

	t.nextSeq++
	t.pending = append(t.pending, &pendingUpdate{Update: u, seq: t.nextSeq})
	t.stats.Deferred++
	return domain.Deferred
}

// lowestPendingLocked returns the index of the oldest update of the lowest priority, or -1.
func (t *Throttler) lowestPendingLocked() int {
	best := -1
	for i, p := range t.pending {
		if best < 0 {
			best = i
			continue
		}
		b := t.pending[best]
		if p.Priority < b.Priority || (p.Priority == b.Priority && p.seq < b.seq) {
			best = i
		}
	}
	return best
}

// highestPendingLocked returns the index of the oldest update of the highest priority, or -1.
func (t *Throttler) highestPendingLocked() int {
	best := -1
	for i, p := range t.pending {
		if best < 0 {
			best = i
			continue
		}
		b := t.pending[best]
		if p.Priority > b.Priority || (p.Priority == b.Priority && p.seq < b.seq) {
			best = i
		}
	}
	return best
}

func (t *Throttler) removePendingLocked(i int) *pendingUpdate {
	p := t.pending[i]
	t.pending = append(t.pending[:i], t.pending[i+1:]...)
	return p
}

func (t *Throttler) dropKeyLocked(key string) int {
	kept := t.pending[:0]
	removed := 0
	for _, p := range t.pending {
		if p.Key == key {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(t.pending); i++ {
		t.pending[i] = nil
	}
	t.pending = kept
	return removed
}

// takeSlotLocked consumes an execution slot if one is available at now.
func (t *Throttler) takeSlotLocked(now time.Time) bool {
	switch t.cfg.Mode {
	case ModeBurst:
		if t.bucket.take(now) {
			t.depleted = false
			t.lastRun = now
			return true
		}
		if !t.depleted {
			t.depleted = true
			t.stats.BurstEvents++
		}
		return false
	default:
		if t.lastRun.IsZero() || now.Sub(t.lastRun) >= t.interval {
			t.lastRun = now
			return true
		}
		return false
	}
}

// nextSlotLocked returns how long until a slot opens.
func (t *Throttler) nextSlotLocked(now time.Time) time.Duration {
	switch t.cfg.Mode {
	case ModeBurst:
		return t.bucket.wait(now)
	default:
		if t.lastRun.IsZero() {
			return 0
		}
		return max(0, t.lastRun.Add(t.interval).Sub(now))
	}
}

// adaptLocked moves the interval toward a target proportional to overload:
//
//	target   = base * max(1, rate/ceiling) * (1 + load)
//	interval = interval + gain * (target - interval), clamped to [base, max]
func (t *Throttler) adaptLocked(now time.Time) {
	base := t.cfg.baseInterval()
	rate := t.window.rate(now)
	t.stats.ObservedRate = rate

	ratio := max(1, rate/float64(t.cfg.MaxUpdatesPerSecond))
	target := float64(base) * ratio * (1 + t.load)
	next := float64(t.interval) + t.cfg.AdaptiveGain*(target-float64(t.interval))

	interval := time.Duration(next)
	interval = max(interval, base)
	interval = min(interval, t.cfg.MaxInterval)
	t.interval = interval
}

// AdjustForLoad feeds an external load factor in [0,1] (for example memory
// pressure) into the adaptive control law. Other modes ignore it.
func (t *Throttler) AdjustForLoad(load float64) {
	load = min(max(load, 0), 1)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.load = load
	if t.cfg.Mode == ModeAdaptive {
		t.adaptLocked(t.now())
	}
}

// Flush runs deferred updates for which a slot is available and returns how many ran.
func (t *Throttler) Flush() int {
	ran := 0
	for {
		t.mu.Lock()
		now := t.now()
		if t.cfg.Mode == ModeAdaptive {
			t.adaptLocked(now)
		}
		if len(t.pending) == 0 || !t.takeSlotLocked(now) {
			t.mu.Unlock()
			return ran
		}
		next := t.removePendingLocked(t.highestPendingLocked())
		t.stats.Executed++
		t.mu.Unlock()

		t.run(next.Fn)
		ran++
	}
}

// ClearPending discards every deferred update and returns how many were dropped.
func (t *Throttler) ClearPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.pending)
	t.pending = nil
	t.stats.Dropped += uint64(n)
	return n
}

// Pending returns the number of deferred updates.
func (t *Throttler) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run flushes deferred updates at each allowed slot until ctx is cancelled.
// An in-flight callback completes before Run returns.
func (t *Throttler) Run(ctx context.Context) error {
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	for {
		t.mu.Lock()
		wait := time.Duration(-1)
		if len(t.pending) > 0 {
			wait = t.nextSlotLocked(t.now())
		} else if t.cfg.Mode == ModeAdaptive {
			// Keep relaxing the interval while idle.
			wait = t.cfg.AdaptiveWindow
		}
		t.mu.Unlock()

		if wait < 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-t.wake:
				continue
			}
		}

		idle.Reset(max(wait, time.Millisecond))
		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
		case <-idle.C:
			t.Flush()
			t.mu.Lock()
			metrics, interval := t.metrics, t.interval
			t.mu.Unlock()
			if metrics != nil {
				metrics.UpdateThrottleInterval(interval)
			}
		}
	}
}

// Stats returns a snapshot of throttle counters.
func (t *Throttler) Stats() domain.ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.Mode = string(t.cfg.Mode)
	s.Pending = len(t.pending)
	s.CurrentInterval = t.interval
	s.ObservedRate = t.window.rate(t.now())
	return s
}

func (t *Throttler) record(m *telemetry.Metrics, d domain.ThrottleDecision) {
	if m != nil {
		m.RecordThrottleDecision(d.String())
	}
}

// run invokes fn, containing panics so a faulty subscriber cannot stop the caller.
func (t *Throttler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("update callback panicked", "panic", r)
		}
	}()
	fn()
}
