package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// DefaultDebounce collapses the burst of events editors emit for one save.
const DefaultDebounce = time.Second

// Watcher watches a configuration file and hands each successfully loaded
// revision to a reload callback.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(*Config) error
	debounce time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onReload func(*Config) error, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		watcher:  fw,
		onReload: onReload,
		debounce: DefaultDebounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the debounce window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// SetMetrics sets the Prometheus metrics collector
func (w *Watcher) SetMetrics(m *telemetry.Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = m
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file through a rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	debounce := w.debounce
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.Info("config watcher started", "config_path", w.path)
	go w.loop(ctx, debounce)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context, debounce time.Duration) {
	defer close(w.done)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file event", "event", event.Op.String(), "file", event.Name)
			timer.Reset(debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	eventPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	configPath, err := filepath.Abs(w.path)
	if err != nil {
		return false
	}
	return eventPath == configPath
}

// reload loads the file and applies it. A revision that fails to load leaves
// the running configuration in place.
func (w *Watcher) reload() {
	w.mu.Lock()
	metrics := w.metrics
	w.mu.Unlock()

	start := time.Now()
	cfg, err := Load(w.path)
	if err == nil {
		err = w.onReload(cfg)
	}
	if err != nil {
		w.logger.Error("config reload failed", "config_path", w.path, "error", err)
		if metrics != nil {
			metrics.RecordConfigReload("failure")
		}
		return
	}
	w.logger.Info("config reloaded", "config_path", w.path, "duration", time.Since(start))
	if metrics != nil {
		metrics.RecordConfigReload("success")
	}
}

// IsRunning reports whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
