// Package pipeline assembles the monitoring system: the event queue and its
// processor, the governed components, the performance monitor, the recording
// proxy, the live feed and the admin server. Every component is constructed
// explicitly by New; nothing is process-global.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-monitor/internal/governance"
	"github.com/polisai/polis-monitor/pkg/cleaner"
	"github.com/polisai/polis-monitor/pkg/config"
	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/events"
	"github.com/polisai/polis-monitor/pkg/feed"
	"github.com/polisai/polis-monitor/pkg/logrotate"
	"github.com/polisai/polis-monitor/pkg/memory"
	"github.com/polisai/polis-monitor/pkg/monitor"
	"github.com/polisai/polis-monitor/pkg/proxy"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// Option customises construction.
type Option func(*options)

type options struct {
	sampler    memory.Sampler
	configPath string
}

// WithSampler replaces the process memory sampler.
func WithSampler(s memory.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithConfigWatch hot-reloads the configuration file at path while running.
func WithConfigWatch(path string) Option {
	return func(o *options) { o.configPath = path }
}

// Pipeline owns every component of a running monitor.
type Pipeline struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	opts    options

	queue     *events.Queue
	memory    *memory.Manager
	throttle  *governance.Throttler
	rotator   *logrotate.Rotator
	cleaner   *cleaner.Cleaner
	processor *events.Processor
	monitor   *monitor.Monitor
	hub       *feed.Hub
	proxy     *proxy.Server

	mu        sync.RWMutex
	cfg       *config.Config
	adminAddr net.Addr
}

// New validates cfg and constructs the pipeline. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.sampler == nil {
		o.sampler = memory.NewProcessSampler()
	}

	p := &Pipeline{
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		opts:    o,
		cfg:     cfg,
	}

	p.queue = events.NewQueue(cfg.Queue.Capacity)
	p.memory = memory.NewManager(cfg.Memory, o.sampler, logger.With("component", "memory"))
	p.throttle = governance.NewThrottler(cfg.Throttle, logger.With("component", "throttler"))
	p.rotator = logrotate.NewRotator(cfg.Rotation, logger.With("component", "rotator"))
	p.cleaner = cleaner.New(cfg.Cleanup, logger.With("component", "cleaner"))
	p.processor = events.NewProcessor(p.queue, p.memory, p.throttle, events.ProcessorConfig{
		DrainBatch:  cfg.Queue.DrainBatch,
		PollTimeout: cfg.Queue.PollTimeout,
		Batch:       cfg.Throttle.Batch,
	}, logger.With("component", "processor"))
	p.monitor = monitor.New(cfg.Alerts, monitor.Components{
		Memory:    p.memory,
		Throttle:  p.throttle,
		Cleaner:   p.cleaner,
		Log:       p.rotator,
		Queue:     p.queue.Stats,
		Processor: p.processor.Stats,
	}, logger.With("component", "monitor"))
	p.hub = feed.NewHub(func() any { return p.monitor.Snapshot() }, logger.With("component", "feed"))

	server, err := proxy.NewServer(proxy.ServerConfig{
		Address:         cfg.Server.ProxyAddress,
		UpstreamProxy:   cfg.Server.UpstreamProxy,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxPreview:      cfg.Memory.MaxBodySize,
		DialRetry:       cfg.Server.DialRetry,
	}, p.queue, logger.With("component", "proxy"))
	if err != nil {
		return nil, fmt.Errorf("create proxy server: %w", err)
	}
	p.proxy = server

	p.wire(cfg)
	return p, nil
}

func (p *Pipeline) wire(cfg *config.Config) {
	p.queue.SetMetrics(p.metrics)
	p.memory.SetMetrics(p.metrics)
	p.throttle.SetMetrics(p.metrics)
	p.rotator.SetMetrics(p.metrics)
	p.cleaner.SetMetrics(p.metrics)
	p.processor.SetMetrics(p.metrics)
	p.monitor.SetMetrics(p.metrics)

	// Rotator degradation travels through the queue like any proxy status.
	p.rotator.OnStatus(func(s domain.StatusChanged) {
		p.queue.Publish(domain.NewEvent("", s))
	})

	p.processor.SetSink(p.rotator)
	p.processor.SetFilter(filterOf(cfg))
	p.processor.OnEntryUpdated(p.hub.BroadcastEntry)
	p.processor.OnEntriesUpdated(p.hub.BroadcastEntries)
	p.processor.OnStatus(p.hub.BroadcastStatus)
	p.memory.OnCleanup(p.hub.BroadcastCleanup)
	p.monitor.OnAlert(p.hub.BroadcastAlert)

	p.hub.SetTracker(p.cleaner)
	p.proxy.Forwarder().SetTracker(p.cleaner)
}

func filterOf(cfg *config.Config) *events.Filter {
	if cfg.Filter.Empty() {
		return nil
	}
	f := cfg.Filter
	return &f
}

// Run runs the drain loop, every maintenance task, the proxy and the admin
// server until ctx is cancelled or one of them fails.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.opts.configPath != "" {
		watcher, err := config.NewWatcher(p.opts.configPath, p.Reload, p.logger.With("component", "config"))
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		watcher.SetMetrics(p.metrics)
		if err := watcher.Start(ctx); err != nil {
			_ = watcher.Stop()
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Shutdown runs in order: producers and the feed stop, the processor
	// drains what they queued, then the governed components stop so the
	// rotator's final flush sees every entry.
	drainCtx, stopDrain := context.WithCancel(context.WithoutCancel(gctx))
	defer stopDrain()
	componentCtx, stopComponents := context.WithCancel(context.WithoutCancel(gctx))
	defer stopComponents()

	var edges sync.WaitGroup
	for _, run := range []func(context.Context) error{p.hub.Run, p.proxy.Run, p.serveAdmin} {
		edges.Add(1)
		g.Go(func() error {
			defer edges.Done()
			return run(gctx)
		})
	}
	g.Go(func() error {
		defer stopComponents()
		return p.processor.Run(drainCtx)
	})
	g.Go(func() error { return p.monitor.Run(componentCtx) })
	g.Go(func() error {
		<-gctx.Done()
		edges.Wait()
		p.queue.Close()
		return nil
	})

	p.logger.Info("monitor pipeline started",
		"queue_capacity", p.queue.Capacity(),
		"throttle_mode", p.throttle.Mode(),
	)
	err := g.Wait()
	if err != nil {
		p.logger.Error("monitor pipeline stopped", "error", err)
		return err
	}
	p.logger.Info("monitor pipeline stopped")
	return nil
}

// Publish enqueues an event. It reports false when the event was dropped
// because the queue is closed or the event was the one evicted at capacity.
func (p *Pipeline) Publish(ev domain.Event) bool {
	return p.queue.Publish(ev)
}

// Snapshot computes the current performance snapshot.
func (p *Pipeline) Snapshot() domain.PerformanceSnapshot {
	return p.monitor.Snapshot()
}

// Report returns the snapshot with optimization history and recommendations.
func (p *Pipeline) Report() monitor.Report {
	return p.monitor.Report()
}

// ForceOptimization runs one optimization pass immediately.
func (p *Pipeline) ForceOptimization(ctx context.Context) monitor.OptimizationResult {
	return p.monitor.ForceOptimization(ctx, "manual")
}

// Entries returns up to limit live entries, newest first.
func (p *Pipeline) Entries(limit int) []domain.MonitoringEntry {
	return p.memory.List(limit)
}

// Metrics returns the pipeline's Prometheus metrics.
func (p *Pipeline) Metrics() *telemetry.Metrics {
	return p.metrics
}

// Config returns the active configuration.
func (p *Pipeline) Config() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// ProxyAddr returns the proxy's bound address once it is listening.
func (p *Pipeline) ProxyAddr() net.Addr {
	return p.proxy.Addr()
}

// AdminAddr returns the admin server's bound address once it is listening.
func (p *Pipeline) AdminAddr() net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.adminAddr
}

// Reload applies the reloadable subset of cfg: throttle, memory limits,
// cleanup, alert thresholds and the event filter. Server, queue, rotation
// and telemetry changes need a restart and are only logged.
func (p *Pipeline) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}

	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	p.mu.Unlock()

	if prev.Server != cfg.Server || prev.Queue != cfg.Queue || prev.Telemetry != cfg.Telemetry {
		p.logger.Warn("server, queue and telemetry changes take effect after restart")
	}
	if prev.Rotation != cfg.Rotation {
		p.logger.Warn("rotation changes take effect after restart")
	}

	p.throttle.Configure(cfg.Throttle)
	p.memory.SetLimits(cfg.Memory)
	p.cleaner.SetConfig(cfg.Cleanup)
	p.monitor.SetThresholds(cfg.Alerts)
	p.processor.SetFilter(filterOf(cfg))

	p.logger.Info("configuration reloaded",
		"throttle_mode", cfg.Throttle.Mode,
		"max_entries", cfg.Memory.MaxEntries,
		"max_memory_mb", cfg.Memory.MaxMemoryMB,
	)
	return nil
}
