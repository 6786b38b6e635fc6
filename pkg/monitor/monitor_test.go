package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-monitor/pkg/cleaner"
	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/memory"
)

type fakeMemory struct {
	mu       sync.Mutex
	stats    domain.MemoryStats
	load     float64
	cleanups int
	runs     atomic.Int32
}

func (f *fakeMemory) Stats() domain.MemoryStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeMemory) ForceCleanup(context.Context, string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	f.stats.Usage.ProcessMB /= 2
	return 4
}

func (f *fakeMemory) LoadFactor() float64 { return f.load }

func (f *fakeMemory) Run(ctx context.Context) error {
	f.runs.Add(1)
	<-ctx.Done()
	return nil
}

type fakeThrottle struct {
	mu      sync.Mutex
	stats   domain.ThrottleStats
	pending int
	load    float64
	cleared int
}

func (f *fakeThrottle) Stats() domain.ThrottleStats { return f.stats }

func (f *fakeThrottle) AdjustForLoad(load float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.load = load
}

func (f *fakeThrottle) Pending() int { return f.pending }

func (f *fakeThrottle) ClearPending() int {
	n := f.pending
	f.pending = 0
	f.cleared += n
	return n
}

func (f *fakeThrottle) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type fakeCleaner struct {
	stats  domain.CleanupStats
	sweeps int
}

func (f *fakeCleaner) Stats() domain.CleanupStats { return f.stats }

func (f *fakeCleaner) Sweep() cleaner.Result {
	f.sweeps++
	return cleaner.Result{Reclaimed: 2, Failed: 1}
}

func (f *fakeCleaner) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type fakeLog struct {
	stats domain.LogStats
}

func (f *fakeLog) Stats() domain.LogStats { return f.stats }

func (f *fakeLog) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestScoreWithNoComponentsIsPerfect(t *testing.T) {
	m := New(Thresholds{}, Components{}, nil)
	snap := m.Snapshot()
	assert.Equal(t, 100.0, snap.Score)
	assert.Empty(t, snap.Alerts)
}

func TestScoreWeights(t *testing.T) {
	tests := []struct {
		name string
		snap domain.PerformanceSnapshot
		want float64
	}{
		{
			name: "healthy",
			want: 100,
		},
		{
			name: "memory at half the ceiling",
			snap: domain.PerformanceSnapshot{Memory: domain.MemoryStats{MaxMemoryMB: 100, Usage: domain.MemoryUsage{ProcessMB: 50}}},
			want: 85,
		},
		{
			name: "memory over the ceiling",
			snap: domain.PerformanceSnapshot{Memory: domain.MemoryStats{MaxMemoryMB: 100, Usage: domain.MemoryUsage{ProcessMB: 300}}},
			want: 70,
		},
		{
			name: "every request throttled",
			snap: domain.PerformanceSnapshot{Throttle: domain.ThrottleStats{Total: 10, Deferred: 6, Dropped: 2, Merged: 2}},
			want: 75,
		},
		{
			name: "half the reclamations failed",
			snap: domain.PerformanceSnapshot{Cleanup: domain.CleanupStats{Reclaimed: 5, Failed: 5}},
			want: 87.5,
		},
		{
			name: "log over both limits",
			snap: domain.PerformanceSnapshot{Log: domain.LogStats{OverFileLimit: true, OverSizeLimit: true}},
			want: 80 + 20*0.8*0.8,
		},
		{
			name: "log disabled",
			snap: domain.PerformanceSnapshot{Log: domain.LogStats{Disabled: true}},
			want: 80,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.snap), 0.0001)
		})
	}
}

func TestScoreStaysInRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.Uint64Range(0, 1000).Draw(rt, "total")
		snap := domain.PerformanceSnapshot{
			Memory: domain.MemoryStats{
				MaxMemoryMB: rapid.Float64Range(0, 1000).Draw(rt, "maxMB"),
				Usage:       domain.MemoryUsage{ProcessMB: rapid.Float64Range(0, 5000).Draw(rt, "usedMB")},
			},
			Throttle: domain.ThrottleStats{
				Total:    total,
				Deferred: rapid.Uint64Range(0, total).Draw(rt, "deferred"),
			},
			Cleanup: domain.CleanupStats{
				Reclaimed: rapid.Uint64Range(0, 100).Draw(rt, "reclaimed"),
				Failed:    rapid.Uint64Range(0, 100).Draw(rt, "failed"),
			},
			Log: domain.LogStats{
				Disabled:      rapid.Bool().Draw(rt, "disabled"),
				OverFileLimit: rapid.Bool().Draw(rt, "overFiles"),
			},
		}
		s := Score(snap)
		if s < 0 || s > 100 {
			rt.Fatalf("score %v out of range", s)
		}
	})
}

func TestSampleFiresAlerts(t *testing.T) {
	mem := &fakeMemory{stats: domain.MemoryStats{MaxMemoryMB: 100, UsagePercent: 90, Usage: domain.MemoryUsage{ProcessMB: 90}}, load: 0.5}
	thr := &fakeThrottle{stats: domain.ThrottleStats{Total: 10, Deferred: 8}}
	cl := &fakeCleaner{stats: domain.CleanupStats{Reclaimed: 1, Failed: 1}}
	lg := &fakeLog{stats: domain.LogStats{Disabled: true}}

	m := New(Thresholds{AutoOptimize: false}, Components{Memory: mem, Throttle: thr, Cleaner: cl, Log: lg}, nil)

	var mu sync.Mutex
	var fired []domain.AlertKind
	m.OnAlert(func(kind domain.AlertKind, snap domain.PerformanceSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, kind)
		assert.Contains(t, snap.Alerts, kind)
	})

	snap := m.Sample(context.Background())

	assert.Equal(t, []domain.AlertKind{
		domain.AlertMemoryUsage,
		domain.AlertHighThrottling,
		domain.AlertCleanupFailures,
		domain.AlertLowPerformance,
		domain.AlertLogDisabled,
	}, fired)
	assert.Equal(t, snap, m.Last())
	assert.InDelta(t, 0.5, thr.load, 0.0001, "memory load feeds the throttler")
	assert.Zero(t, mem.cleanups, "auto optimization is off")
}

func TestAlertThresholdsAreInclusive(t *testing.T) {
	mem := &fakeMemory{stats: domain.MemoryStats{MaxMemoryMB: 100, UsagePercent: 80}}
	m := New(Thresholds{MemoryPercent: 80}, Components{Memory: mem}, nil)
	assert.Contains(t, m.Snapshot().Alerts, domain.AlertMemoryUsage)

	mem.stats.UsagePercent = 79.9
	assert.NotContains(t, m.Snapshot().Alerts, domain.AlertMemoryUsage)
}

func TestSampleAutoOptimizesBelowCriticalScore(t *testing.T) {
	mem := &fakeMemory{stats: domain.MemoryStats{MaxMemoryMB: 100, Usage: domain.MemoryUsage{ProcessMB: 400}}}
	thr := &fakeThrottle{stats: domain.ThrottleStats{Total: 10, Dropped: 10}, pending: 25}
	cl := &fakeCleaner{stats: domain.CleanupStats{Failed: 3}}
	lg := &fakeLog{stats: domain.LogStats{Disabled: true}}

	m := New(Thresholds{AutoOptimize: true, CriticalScore: 40}, Components{Memory: mem, Throttle: thr, Cleaner: cl, Log: lg}, nil)
	snap := m.Sample(context.Background())
	require.Less(t, snap.Score, 40.0)

	assert.Equal(t, 1, mem.cleanups)
	assert.Equal(t, 1, cl.sweeps)
	assert.Equal(t, 25, thr.cleared)

	report := m.Report()
	require.Len(t, report.Optimizations, 1)
	opt := report.Optimizations[0]
	assert.Equal(t, "auto", opt.Trigger)
	assert.Equal(t, 4, opt.EntriesRemoved)
	assert.Equal(t, 2, opt.ResourcesReclaimed)
	assert.Equal(t, 1, opt.ResourceFailures)
	assert.Equal(t, 25, opt.PendingCleared)
	assert.NotEmpty(t, report.Recommendations)
}

func TestForceOptimizationKeepsShallowBacklog(t *testing.T) {
	thr := &fakeThrottle{pending: pendingClearThreshold}
	m := New(Thresholds{}, Components{Throttle: thr}, nil)

	result := m.ForceOptimization(context.Background(), "manual")
	assert.Zero(t, result.PendingCleared)
	assert.Equal(t, pendingClearThreshold, thr.pending)
}

func TestOptimizationHistoryIsBounded(t *testing.T) {
	m := New(Thresholds{}, Components{}, nil)
	for range historyLimit + 5 {
		m.ForceOptimization(context.Background(), "manual")
	}
	assert.Len(t, m.Report().Optimizations, historyLimit)
}

func TestAlertCallbackPanicIsContained(t *testing.T) {
	lg := &fakeLog{stats: domain.LogStats{Disabled: true}}
	m := New(Thresholds{}, Components{Log: lg}, nil)

	var second atomic.Int32
	m.OnAlert(func(domain.AlertKind, domain.PerformanceSnapshot) { panic("boom") })
	m.OnAlert(func(domain.AlertKind, domain.PerformanceSnapshot) { second.Add(1) })

	assert.NotPanics(t, func() { m.Sample(context.Background()) })
	assert.Equal(t, int32(1), second.Load())
}

func TestSetThresholds(t *testing.T) {
	m := New(Thresholds{}, Components{}, nil)
	assert.Equal(t, DefaultMinScore, m.Thresholds().MinScore)

	m.SetThresholds(Thresholds{MinScore: 90, CriticalScore: 10})
	assert.Equal(t, 90.0, m.Thresholds().MinScore)
	assert.Equal(t, DefaultSampleInterval, m.Thresholds().SampleInterval)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{MemoryPercent: 120}.Validate())
	assert.Error(t, Thresholds{MinScore: 30, CriticalScore: 50}.Validate())
	assert.Error(t, Thresholds{SampleInterval: -time.Second}.Validate())
}

func TestSnapshotWithRealMemoryManager(t *testing.T) {
	sampler := memory.SamplerFunc(func(context.Context) (domain.MemoryUsage, error) {
		return domain.MemoryUsage{ProcessMB: 250}, nil
	})
	mgr := memory.NewManager(memory.Config{MaxEntries: 10, MaxMemoryMB: 200}, sampler, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		mgr.Record(domain.MonitoringEntry{RequestID: id})
	}
	_, err := mgr.CheckPressure(context.Background())
	require.NoError(t, err)

	m := New(Thresholds{}, Components{Memory: mgr}, nil)
	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Memory.Entries)
	assert.InDelta(t, 70.0, snap.Score, 0.0001)
	assert.Contains(t, snap.Alerts, domain.AlertMemoryUsage)
}

func TestRunSupervisesComponents(t *testing.T) {
	mem := &fakeMemory{}
	m := New(Thresholds{SampleInterval: time.Millisecond}, Components{
		Memory:   mem,
		Throttle: &fakeThrottle{},
		Cleaner:  &fakeCleaner{},
		Log:      &fakeLog{},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return !m.Last().Timestamp.IsZero() }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return mem.runs.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
