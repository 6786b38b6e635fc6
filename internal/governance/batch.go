package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BatchConfig configures a Batcher.
type BatchConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Size    int           `yaml:"size" json:"size"`
	MaxSize int           `yaml:"max_size" json:"max_size"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultBatchConfig returns the default batch configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Size:    10,
		MaxSize: 50,
		Timeout: 100 * time.Millisecond,
	}
}

// Validate checks the batch configuration.
func (c BatchConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Size <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxSize < c.Size {
		return fmt.Errorf("batch max_size %d is below size %d", c.MaxSize, c.Size)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("batch timeout must be positive")
	}
	return nil
}

// BatchStats describes a Batcher.
type BatchStats struct {
	Batches uint64 `json:"batches"`
	Items   uint64 `json:"items"`
	Merged  uint64 `json:"merged"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// Batcher accumulates items and hands them to a flush function as one
// combined invocation once Size items are pending or Timeout has passed since
// the first pending item, whichever comes first. At most MaxSize items are
// held; beyond that the oldest item is dropped.
type Batcher[T any] struct {
	mu      sync.Mutex
	cfg     BatchConfig
	items   []T
	first   time.Time
	keyFn   func(T) string
	flushFn func([]T)
	wake    chan struct{}
	stats   BatchStats
	logger  *slog.Logger
}

// NewBatcher creates a batcher. keyFn may be nil; when set, an item replaces
// a pending item with the same key instead of being appended.
func NewBatcher[T any](cfg BatchConfig, keyFn func(T) string, flushFn func([]T), logger *slog.Logger) *Batcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultBatchConfig()
	if cfg.Size <= 0 {
		cfg.Size = d.Size
	}
	if cfg.MaxSize < cfg.Size {
		cfg.MaxSize = max(d.MaxSize, cfg.Size)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &Batcher[T]{
		cfg:     cfg,
		keyFn:   keyFn,
		flushFn: flushFn,
		wake:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// Add queues an item. It reports true when the batch reached its size
// threshold and a flush has been signalled.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.first = time.Now()
	}

	if b.keyFn != nil {
		key := b.keyFn(item)
		for i := range b.items {
			if b.keyFn(b.items[i]) == key {
				b.items[i] = item
				b.stats.Merged++
				b.mu.Unlock()
				return false
			}
		}
	}

	if len(b.items) >= b.cfg.MaxSize {
		b.items = b.items[1:]
		b.stats.Dropped++
	}
	b.items = append(b.items, item)
	full := len(b.items) >= b.cfg.Size
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return full
}

// Flush hands all pending items to the flush function and returns how many were flushed.
func (b *Batcher[T]) Flush() int {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.first = time.Time{}
	if len(items) > 0 {
		b.stats.Batches++
		b.stats.Items += uint64(len(items))
	}
	b.mu.Unlock()

	if len(items) == 0 {
		return 0
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("batch flush panicked", "panic", r, "items", len(items))
		}
	}()
	b.flushFn(items)
	return len(items)
}

// due reports how long until the pending batch must flush; ok is false when empty.
func (b *Batcher[T]) due(now time.Time) (wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return 0, false
	}
	if len(b.items) >= b.cfg.Size {
		return 0, true
	}
	return max(0, b.first.Add(b.cfg.Timeout).Sub(now)), true
}

// Run flushes batches on size or timeout until ctx is cancelled, then flushes
// whatever is still pending.
func (b *Batcher[T]) Run(ctx context.Context) error {
	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()

	for {
		wait, ok := b.due(time.Now())
		if ok && wait == 0 {
			b.Flush()
			continue
		}
		if !ok {
			wait = b.cfg.Timeout
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			b.Flush()
			return nil
		case <-b.wake:
		case <-timer.C:
		}
	}
}

// Stats returns a snapshot of batch counters.
func (b *Batcher[T]) Stats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = len(b.items)
	return s
}
