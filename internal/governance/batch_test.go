package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *flushRecorder) flush(items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]string(nil), items...))
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestBatcherFlushesOnSize(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(BatchConfig{Size: 3, MaxSize: 10, Timeout: time.Hour}, nil, rec.flush, nil)

	assert.False(t, b.Add("a"))
	assert.False(t, b.Add("b"))
	assert.True(t, b.Add("c"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"a", "b", "c"}, rec.batches[0])
	assert.Equal(t, uint64(1), b.Stats().Batches)
}

func TestBatcherFlushesOnTimeout(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(BatchConfig{Size: 100, MaxSize: 100, Timeout: 20 * time.Millisecond}, nil, rec.flush, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	b.Add("only")
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcherMergesByKeyAndBoundsSize(t *testing.T) {
	rec := &flushRecorder{}
	key := func(s string) string { return s[:1] }
	b := NewBatcher(BatchConfig{Size: 2, MaxSize: 2, Timeout: time.Hour}, key, rec.flush, nil)

	b.Add("a1")
	b.Add("a2")
	b.Add("b1")
	b.Add("c1")

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Merged)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Pending)

	assert.Equal(t, 2, b.Flush())
	assert.Equal(t, []string{"b1", "c1"}, rec.batches[0])
	assert.Equal(t, 0, b.Flush())
}

func TestBatcherRunFlushesRemainderOnStop(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(BatchConfig{Size: 10, MaxSize: 10, Timeout: time.Hour}, nil, rec.flush, nil)
	b.Add("x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Run(ctx))
	assert.Equal(t, 1, rec.count())
}
