package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// Cleaner defaults.
const (
	DefaultInterval        = 300 * time.Second
	DefaultResourceTimeout = time.Hour
	DefaultMaxResources    = 100
)

// Config configures the Cleaner.
type Config struct {
	Interval        time.Duration `yaml:"interval" json:"interval"`
	ResourceTimeout time.Duration `yaml:"resource_timeout" json:"resource_timeout"`
	MaxResources    int           `yaml:"max_resources" json:"max_resources"`
}

// DefaultConfig returns the default cleaner configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        DefaultInterval,
		ResourceTimeout: DefaultResourceTimeout,
		MaxResources:    DefaultMaxResources,
	}
}

// Validate checks the cleaner configuration.
func (c Config) Validate() error {
	if c.Interval < 0 || c.ResourceTimeout < 0 {
		return fmt.Errorf("interval and resource_timeout must not be negative")
	}
	if c.MaxResources < 0 {
		return fmt.Errorf("max_resources must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ResourceTimeout <= 0 {
		c.ResourceTimeout = d.ResourceTimeout
	}
	if c.MaxResources <= 0 {
		c.MaxResources = d.MaxResources
	}
	return c
}

// resource is the tracking record for a registered handle. The Cleaner never
// owns the handle; dropping the record leaves the resource to its creator.
type resource struct {
	id         string
	kind       Kind
	handle     any
	reclaim    ReclaimFunc
	registered time.Time
	touched    time.Time
}

// Result summarises a reclamation pass.
type Result struct {
	Reclaimed int
	Failed    int
	Errors    []error
}

// Cleaner tracks long-lived resources and reclaims those that go stale.
type Cleaner struct {
	mu        sync.Mutex
	cfg       Config
	resources map[string]*resource
	stats     domain.CleanupStats

	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Cleaner.
func New(cfg Config, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		cfg:       cfg.withDefaults(),
		resources: make(map[string]*resource),
		stats:     domain.CleanupStats{ByKind: make(map[string]uint64)},
		now:       time.Now,
		logger:    logger,
	}
}

// SetMetrics sets the Prometheus metrics collector
func (c *Cleaner) SetMetrics(m *telemetry.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// SetClock replaces the time source. Intended for tests.
func (c *Cleaner) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetConfig applies new limits. A lower MaxResources takes effect on the next Register.
func (c *Cleaner) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.withDefaults()
}

// Register starts tracking handle under id. reclaim may be nil, in which case
// the kind's default reclamation is used. Registering an existing id replaces
// its record. When MaxResources is reached the least recently touched record
// makes room: it is reclaimed if it has been idle for ResourceTimeout,
// otherwise it is only untracked and its owner keeps it open.
func (c *Cleaner) Register(id string, kind Kind, handle any, reclaim ReclaimFunc) error {
	if id == "" {
		return ErrInvalidResource
	}

	c.mu.Lock()
	now := c.now()
	var evicted, untracked *resource
	if _, exists := c.resources[id]; !exists && len(c.resources) >= c.cfg.MaxResources {
		oldest := c.oldestLocked()
		delete(c.resources, oldest.id)
		if now.Sub(oldest.touched) >= c.cfg.ResourceTimeout {
			evicted = oldest
		} else {
			untracked = oldest
			c.stats.Untracked++
		}
	}
	c.resources[id] = &resource{
		id:         id,
		kind:       kind,
		handle:     handle,
		reclaim:    reclaim,
		registered: now,
		touched:    now,
	}
	c.stats.Registered++
	count := len(c.resources)
	limit := c.cfg.MaxResources
	metrics := c.metrics
	c.mu.Unlock()

	if metrics != nil {
		metrics.UpdateResourcesTracked(count)
	}
	if untracked != nil {
		c.logger.Warn("resource limit reached, untracking live resource",
			"id", untracked.id,
			"kind", untracked.kind,
			"max_resources", limit,
		)
	}
	if evicted != nil {
		c.logger.Debug("resource limit reached, reclaiming idle resource",
			"id", evicted.id,
			"kind", evicted.kind,
		)
		c.reclaimAll([]*resource{evicted})
	}
	return nil
}

func (c *Cleaner) oldestLocked() *resource {
	var oldest *resource
	for _, r := range c.resources {
		if oldest == nil || r.touched.Before(oldest.touched) {
			oldest = r
		}
	}
	return oldest
}

// Touch refreshes the last-touched time of id.
func (c *Cleaner) Touch(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[id]
	if !ok {
		return false
	}
	r.touched = c.now()
	return true
}

// Release stops tracking id without reclaiming it. Owners call this when
// they close the resource themselves.
func (c *Cleaner) Release(id string) bool {
	c.mu.Lock()
	_, ok := c.resources[id]
	if ok {
		delete(c.resources, id)
		c.stats.Released++
	}
	count := len(c.resources)
	metrics := c.metrics
	c.mu.Unlock()

	if ok && metrics != nil {
		metrics.UpdateResourcesTracked(count)
	}
	return ok
}

// Sweep reclaims every resource whose age since its last touch has reached
// ResourceTimeout.
func (c *Cleaner) Sweep() Result {
	c.mu.Lock()
	now := c.now()
	var expired []*resource
	for id, r := range c.resources {
		if now.Sub(r.touched) >= c.cfg.ResourceTimeout {
			expired = append(expired, r)
			delete(c.resources, id)
		}
	}
	c.stats.Sweeps++
	c.stats.LastSweep = now
	c.mu.Unlock()

	result := c.reclaimAll(expired)
	if len(expired) > 0 {
		c.logger.Info("resource sweep completed",
			"reclaimed", result.Reclaimed,
			"failed", result.Failed,
		)
	}
	return result
}

// CleanupByType reclaims every tracked resource of kind immediately.
func (c *Cleaner) CleanupByType(kind Kind) Result {
	return c.take(func(r *resource) bool { return r.kind == kind })
}

// CleanupAll reclaims every tracked resource immediately.
func (c *Cleaner) CleanupAll() Result {
	return c.take(func(*resource) bool { return true })
}

func (c *Cleaner) take(match func(*resource) bool) Result {
	c.mu.Lock()
	var selected []*resource
	for id, r := range c.resources {
		if match(r) {
			selected = append(selected, r)
			delete(c.resources, id)
		}
	}
	c.mu.Unlock()

	return c.reclaimAll(selected)
}

// reclaimAll reclaims resources already removed from tracking. A failure is
// recorded and the remaining resources are still reclaimed.
func (c *Cleaner) reclaimAll(resources []*resource) Result {
	var result Result
	if len(resources) == 0 {
		return result
	}

	ok := make([]bool, len(resources))
	for i, r := range resources {
		if err := c.reclaimOne(r); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, &ReclaimError{ID: r.id, Kind: r.kind, Err: err})
			c.logger.Warn("resource reclamation failed", "id", r.id, "kind", r.kind, "error", err)
			continue
		}
		ok[i] = true
		result.Reclaimed++
	}

	c.mu.Lock()
	c.stats.Reclaimed += uint64(result.Reclaimed)
	c.stats.Failed += uint64(result.Failed)
	for i, r := range resources {
		if ok[i] {
			c.stats.ByKind[string(r.kind)]++
		}
	}
	count := len(c.resources)
	metrics := c.metrics
	c.mu.Unlock()

	if metrics != nil {
		metrics.UpdateResourcesTracked(count)
		for i, r := range resources {
			metrics.RecordReclaim(string(r.kind), ok[i])
		}
	}
	return result
}

func (c *Cleaner) reclaimOne(r *resource) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reclaim panicked: %v", rec)
		}
	}()
	if r.reclaim != nil {
		return r.reclaim()
	}
	return reclaimDefault(r.kind, r.handle)
}

// Len returns the number of tracked resources.
func (c *Cleaner) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

// Summary returns the number of tracked resources per kind.
func (c *Cleaner) Summary() map[Kind]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[Kind]int)
	for _, r := range c.resources {
		out[r.kind]++
	}
	return out
}

// Run sweeps every Interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	c.mu.Lock()
	interval := c.cfg.Interval
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stats returns a snapshot of cleaner counters.
func (c *Cleaner) Stats() domain.CleanupStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Active = len(c.resources)
	s.ByKind = maps.Clone(c.stats.ByKind)
	return s
}
