package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type closer struct {
	closed atomic.Int32
	err    error
}

func (c *closer) Close() error {
	c.closed.Add(1)
	return c.err
}

func newTestCleaner(cfg Config) (*Cleaner, *testClock) {
	clock := newTestClock()
	c := New(cfg, nil)
	c.SetClock(clock.Now)
	return c, clock
}

// An untouched resource is reclaimed exactly when its timeout elapses, and a
// touch before the timeout restarts the deadline from the touch.
func TestTimeoutAndTouchProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		timeout := time.Duration(rapid.IntRange(2, 1000).Draw(rt, "timeoutMs")) * time.Millisecond
		touchAt := time.Duration(rapid.IntRange(1, int(timeout/time.Millisecond)-1).Draw(rt, "touchAtMs")) * time.Millisecond

		c, clock := newTestCleaner(Config{ResourceTimeout: timeout})
		var reclaimed atomic.Int32
		reclaim := func() error { reclaimed.Add(1); return nil }

		if err := c.Register("idle", KindWorker, nil, reclaim); err != nil {
			rt.Fatalf("register: %v", err)
		}
		if err := c.Register("busy", KindWorker, nil, reclaim); err != nil {
			rt.Fatalf("register: %v", err)
		}

		clock.Advance(touchAt)
		c.Touch("busy")

		clock.Advance(timeout - touchAt - time.Millisecond)
		c.Sweep()
		if reclaimed.Load() != 0 {
			rt.Fatalf("nothing should be reclaimed before the timeout")
		}

		clock.Advance(time.Millisecond)
		c.Sweep()
		if reclaimed.Load() != 1 {
			rt.Fatalf("expected only the idle resource at the timeout, got %d", reclaimed.Load())
		}
		if c.Len() != 1 {
			rt.Fatalf("expected the touched resource to remain tracked")
		}

		clock.Advance(touchAt)
		c.Sweep()
		if reclaimed.Load() != 2 {
			rt.Fatalf("expected the touched resource one timeout after its touch")
		}
	})
}

func TestDefaultReclamationByKind(t *testing.T) {
	c, _ := newTestCleaner(Config{})

	conn := &closer{}
	timer := time.NewTimer(time.Hour)
	workerStopped := false
	_, cancel := context.WithCancel(context.Background())
	callbackRan := false
	stop := make(chan struct{})

	require.NoError(t, c.Register("conn", KindConnection, conn, nil))
	require.NoError(t, c.Register("file", KindFile, &closer{}, nil))
	require.NoError(t, c.Register("timer", KindTimer, timer, nil))
	require.NoError(t, c.Register("cancel", KindWorker, cancel, nil))
	require.NoError(t, c.Register("chan", KindWorker, stop, nil))
	require.NoError(t, c.Register("worker", KindWorker, nil, func() error { workerStopped = true; return nil }))
	require.NoError(t, c.Register("cb", KindCallback, func() { callbackRan = true }, nil))

	result := c.CleanupAll()
	assert.Equal(t, 7, result.Reclaimed)
	assert.Zero(t, result.Failed)
	assert.Equal(t, int32(1), conn.closed.Load())
	assert.True(t, workerStopped)
	assert.True(t, callbackRan)
	assert.False(t, timer.Stop(), "timer should already be stopped")
	select {
	case <-stop:
	default:
		t.Fatal("worker stop channel should be closed")
	}
	assert.Equal(t, 0, c.Len())
}

func TestSweepIsolatesFailures(t *testing.T) {
	c, clock := newTestCleaner(Config{ResourceTimeout: time.Minute})

	ok := &closer{}
	require.NoError(t, c.Register("ok", KindConnection, ok, nil))
	require.NoError(t, c.Register("fails", KindConnection, &closer{err: errors.New("reset")}, nil))
	require.NoError(t, c.Register("panics", KindWorker, nil, func() error { panic("boom") }))
	require.NoError(t, c.Register("opaque", KindQueue, 42, nil))

	clock.Advance(time.Minute)
	result := c.Sweep()

	assert.Equal(t, 1, result.Reclaimed)
	assert.Equal(t, 3, result.Failed)
	assert.Len(t, result.Errors, 3)
	assert.Equal(t, int32(1), ok.closed.Load())

	var rerr *ReclaimError
	found := false
	for _, err := range result.Errors {
		if errors.As(err, &rerr) && errors.Is(err, ErrNoReclaimer) {
			found = true
			assert.Equal(t, "opaque", rerr.ID)
		}
	}
	assert.True(t, found)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Reclaimed)
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Equal(t, uint64(1), stats.Sweeps)
	assert.Equal(t, uint64(1), stats.ByKind["connection"])
	assert.InDelta(t, 75.0, stats.FailurePercent(), 0.001)
}

func TestCleanupByType(t *testing.T) {
	c, _ := newTestCleaner(Config{})
	require.NoError(t, c.Register("c1", KindConnection, &closer{}, nil))
	require.NoError(t, c.Register("c2", KindConnection, &closer{}, nil))
	require.NoError(t, c.Register("f1", KindFile, &closer{}, nil))

	result := c.CleanupByType(KindConnection)
	assert.Equal(t, 2, result.Reclaimed)
	assert.Equal(t, map[Kind]int{KindFile: 1}, c.Summary())
}

func TestReleaseDoesNotReclaim(t *testing.T) {
	c, clock := newTestCleaner(Config{ResourceTimeout: time.Second})
	conn := &closer{}
	require.NoError(t, c.Register("conn", KindConnection, conn, nil))

	assert.True(t, c.Release("conn"))
	assert.False(t, c.Release("conn"))
	assert.False(t, c.Touch("conn"))

	clock.Advance(time.Hour)
	c.Sweep()
	assert.Zero(t, conn.closed.Load())
	assert.Equal(t, uint64(1), c.Stats().Released)
}

func TestMaxResourcesReclaimsIdleLeastRecentlyTouched(t *testing.T) {
	c, clock := newTestCleaner(Config{MaxResources: 3, ResourceTimeout: time.Minute})
	handles := make([]*closer, 4)
	for i := range 3 {
		handles[i] = &closer{}
		require.NoError(t, c.Register(fmt.Sprintf("r%d", i), KindConnection, handles[i], nil))
		clock.Advance(time.Second)
	}
	clock.Advance(time.Minute)
	c.Touch("r0")

	handles[3] = &closer{}
	require.NoError(t, c.Register("r3", KindConnection, handles[3], nil))

	assert.Equal(t, 3, c.Len())
	assert.Zero(t, handles[0].closed.Load())
	assert.Equal(t, int32(1), handles[1].closed.Load())
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Reclaimed)
	assert.Zero(t, stats.Untracked)
}

func TestMaxResourcesUntracksLiveResource(t *testing.T) {
	c, clock := newTestCleaner(Config{MaxResources: 2, ResourceTimeout: time.Minute})
	handles := make([]*closer, 3)
	for i := range 3 {
		handles[i] = &closer{}
		require.NoError(t, c.Register(fmt.Sprintf("r%d", i), KindConnection, handles[i], nil))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 2, c.Len())
	for _, h := range handles {
		assert.Zero(t, h.closed.Load())
	}
	assert.False(t, c.Touch("r0"))
	assert.False(t, c.Release("r0"))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Untracked)
	assert.Zero(t, stats.Reclaimed)
	assert.Zero(t, stats.Released)
}

func TestRegisterRequiresID(t *testing.T) {
	c, _ := newTestCleaner(Config{})
	assert.ErrorIs(t, c.Register("", KindFile, nil, nil), ErrInvalidResource)
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _ := newTestCleaner(Config{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return c.Stats().Sweeps > 0 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
