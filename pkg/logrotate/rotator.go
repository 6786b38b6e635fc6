package logrotate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-monitor/internal/governance"
	"github.com/polisai/polis-monitor/pkg/domain"
	"github.com/polisai/polis-monitor/pkg/telemetry"
)

// StatusSource identifies the rotator in status reports.
const StatusSource = "log_rotator"

// Rotator persists terminal monitoring entries to rotated segment files.
//
// AddEntry only appends to an in-memory buffer and applies the rotation
// policy to segment boundaries. File writes, sealing, compression and
// retention happen in Flush, which Run calls on its own cadence.
type Rotator struct {
	mu       sync.Mutex
	cfg      Config
	active   *segment
	sealed   []*segment
	buffered int
	seq      uint64
	disabled bool
	lastErr  error

	// flushMu serialises file I/O.
	flushMu sync.Mutex

	breaker *governance.CircuitBreaker

	rotations    uint64
	written      uint64
	dropped      uint64
	filesRemoved uint64
	lastRotation time.Time
	sealedFiles  int
	sealedBytes  int64

	onRotate    []func(path string, records int)
	onRetention []func(removed []string)
	onStatus    []func(domain.StatusChanged)

	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRotator creates a rotator writing under cfg.Directory. The directory is
// created on the first flush.
func NewRotator(cfg Config, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	r := &Rotator{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	r.breaker = governance.NewCircuitBreaker(governance.CircuitBreakerConfig{
		MaxFailures:         cfg.FailureThreshold,
		Timeout:             cfg.RetryAfter,
		MaxHalfOpenRequests: 1,
	})
	r.breaker.OnStateChange(r.breakerChanged)
	r.active = r.newSegmentLocked(r.now())
	return r
}

// SetMetrics sets the Prometheus metrics collector
func (r *Rotator) SetMetrics(m *telemetry.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// SetClock replaces the time source. Intended for tests.
func (r *Rotator) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	r.active.opened = now()
}

// OnRotate registers a callback invoked with the final path and record count
// of every sealed segment.
func (r *Rotator) OnRotate(fn func(path string, records int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRotate = append(r.onRotate, fn)
}

// OnRetention registers a callback invoked with the segments removed by retention.
func (r *Rotator) OnRetention(fn func(removed []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRetention = append(r.onRetention, fn)
}

// OnStatus registers a callback invoked when the rotator disables or re-enables itself.
func (r *Rotator) OnStatus(fn func(domain.StatusChanged)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatus = append(r.onStatus, fn)
}

func (r *Rotator) newSegmentLocked(now time.Time) *segment {
	r.seq++
	return &segment{
		name:   segmentName(r.cfg.Prefix, now, r.seq),
		opened: now,
	}
}

// AddEntry appends entry to the active segment. It never touches the file system.
func (r *Rotator) AddEntry(entry domain.MonitoringEntry) error {
	line, err := json.Marshal(NewRecord(entry))
	if err != nil {
		return fmt.Errorf("encode log record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	if r.disabled {
		r.dropped++
		r.mu.Unlock()
		return domain.ErrComponentDisabled
	}
	if r.buffered >= r.cfg.MaxBuffered {
		r.dropped++
		r.mu.Unlock()
		return ErrBufferFull
	}

	now := r.now()
	trigger := r.rotateDueLocked(now, len(line))
	if trigger != "" {
		r.rotateLocked(now, trigger)
	}

	r.active.lines = append(r.active.lines, line)
	r.active.records++
	r.active.bytes += int64(len(line))
	r.buffered++
	metrics := r.metrics
	r.mu.Unlock()

	if trigger != "" && metrics != nil {
		metrics.RecordRotation(trigger)
	}
	return nil
}

// rotateDueLocked returns the trigger that requires sealing the active
// segment before adding a record of size n, or "" when none applies.
func (r *Rotator) rotateDueLocked(now time.Time, n int) string {
	if r.active.records == 0 {
		return ""
	}
	switch r.cfg.Policy {
	case PolicyCount:
		if r.active.records >= r.cfg.MaxCount {
			return string(PolicyCount)
		}
	case PolicySize:
		if r.active.bytes+int64(n) > r.cfg.maxBytes() {
			return string(PolicySize)
		}
	case PolicyTime:
		if now.Sub(r.active.opened) >= r.cfg.MaxAge {
			return string(PolicyTime)
		}
	}
	return ""
}

func (r *Rotator) rotateLocked(now time.Time, trigger string) {
	r.active.trigger = trigger
	r.sealed = append(r.sealed, r.active)
	r.active = r.newSegmentLocked(now)
	r.rotations++
	r.lastRotation = now
}

// ForceRotate seals the active segment if it holds any records and flushes.
func (r *Rotator) ForceRotate(ctx context.Context) error {
	r.mu.Lock()
	rotated := r.active.records > 0
	if rotated {
		r.rotateLocked(r.now(), "manual")
	}
	metrics := r.metrics
	r.mu.Unlock()

	if rotated && metrics != nil {
		metrics.RecordRotation("manual")
	}
	return r.Flush(ctx)
}

// Flush writes buffered records, finalises sealed segments and enforces
// retention. While the circuit breaker is open Flush does nothing; once it
// half-opens, Flush checks the directory and re-enables the rotator on success.
func (r *Rotator) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	disabled := r.disabled
	r.mu.Unlock()
	if disabled {
		return r.recheckWritable()
	}

	if err := r.breaker.Allow(); err != nil {
		return err
	}
	err := r.flush()
	r.breaker.Record(err)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		metrics := r.metrics
		r.mu.Unlock()
		if metrics != nil {
			metrics.RecordLogWriteError()
		}
		r.logger.Warn("log flush failed", "directory", r.cfg.Directory, "error", err)
	}
	return err
}

func (r *Rotator) flush() error {
	r.mu.Lock()
	now := r.now()
	if r.cfg.Policy == PolicyTime && r.active.records > 0 && now.Sub(r.active.opened) >= r.cfg.MaxAge {
		r.rotateLocked(now, string(PolicyTime))
		if r.metrics != nil {
			r.metrics.RecordRotation(string(PolicyTime))
		}
	}
	sealed := r.sealed
	r.sealed = nil
	active := r.active
	activeLines := active.lines
	active.lines = nil
	pending := len(activeLines)
	for _, s := range sealed {
		pending += len(s.lines)
	}
	r.buffered -= pending
	dir := r.cfg.Directory
	compress := r.cfg.CompressOld
	format := r.cfg.Compression
	rotateCallbacks := r.onRotate
	r.mu.Unlock()

	if err := os.MkdirAll(dir, logDirPerm); err != nil {
		r.countDropped(pending)
		return fmt.Errorf("create log directory: %w", err)
	}

	var errs []error
	written := 0
	for i, s := range sealed {
		path := filepath.Join(dir, s.name)
		if len(s.lines) > 0 {
			if err := appendLines(path, s.lines); err != nil {
				errs = append(errs, err)
				for _, rest := range sealed[i:] {
					r.countDropped(len(rest.lines))
				}
				r.countDropped(len(activeLines))
				return errors.Join(errs...)
			}
			written += len(s.lines)
		}
		final := path
		if compress {
			out, err := compressFile(path, format)
			if err != nil {
				r.logger.Warn("compress sealed segment failed", "path", path, "error", err)
			}
			if out != "" {
				final = out
			}
		}
		r.logger.Debug("sealed log segment", "path", final, "records", s.records, "trigger", s.trigger)
		for _, fn := range rotateCallbacks {
			r.safeCall(func() { fn(final, s.records) })
		}
	}

	if len(activeLines) > 0 {
		if err := appendLines(filepath.Join(dir, active.name), activeLines); err != nil {
			r.countDropped(len(activeLines))
			errs = append(errs, err)
		} else {
			written += len(activeLines)
		}
	}

	r.mu.Lock()
	r.written += uint64(written)
	r.mu.Unlock()

	if err := r.enforceRetention(dir, active.name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Rotator) countDropped(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.dropped += uint64(n)
	r.mu.Unlock()
}

type sealedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// enforceRetention removes sealed segments older than MaxAge, then the oldest
// segments beyond MaxFiles.
func (r *Rotator) enforceRetention(dir, activeName string) error {
	r.mu.Lock()
	prefix := r.cfg.Prefix
	maxFiles := r.cfg.MaxFiles
	maxAge := r.cfg.MaxAge
	now := r.now()
	callbacks := r.onRetention
	metrics := r.metrics
	r.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}

	var files []sealedFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == activeName || !isSegmentFile(prefix, name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, sealedFile{
			path:    filepath.Join(dir, name),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	// Names embed the segment's open time and sequence, so name order is age order.
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	cutoff := now.Add(-maxAge)
	var removed []string
	var errs []error
	kept := files[:0]
	for i, f := range files {
		expired := f.modTime.Before(cutoff)
		excess := len(files)-i > maxFiles
		if !expired && !excess {
			kept = append(kept, f)
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove segment %s: %w", f.path, err))
			kept = append(kept, f)
			continue
		}
		removed = append(removed, f.path)
	}

	var size int64
	for _, f := range kept {
		size += f.size
	}

	r.mu.Lock()
	r.sealedFiles = len(kept)
	r.sealedBytes = size
	r.filesRemoved += uint64(len(removed))
	r.mu.Unlock()

	if len(removed) > 0 {
		r.logger.Info("removed old log segments", "count", len(removed), "directory", dir)
		if metrics != nil {
			metrics.RecordLogFilesRemoved(len(removed))
		}
		for _, fn := range callbacks {
			r.safeCall(func() { fn(removed) })
		}
	}
	return errors.Join(errs...)
}

// recheckWritable checks whether the log directory is writable again.
func (r *Rotator) recheckWritable() error {
	if err := r.breaker.Allow(); err != nil {
		return err
	}
	err := r.checkWritable()
	r.breaker.Record(err)
	return err
}

func (r *Rotator) checkWritable() error {
	if err := os.MkdirAll(r.cfg.Directory, logDirPerm); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.CreateTemp(r.cfg.Directory, ".write-check-*")
	if err != nil {
		return fmt.Errorf("check log directory: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// breakerChanged disables the rotator when the breaker opens and re-enables
// it when a write check closes the breaker.
func (r *Rotator) breakerChanged(_, to governance.CircuitBreakerState, err error) {
	var status domain.StatusChanged
	switch to {
	case governance.StateOpen:
		r.mu.Lock()
		if r.disabled {
			r.mu.Unlock()
			return
		}
		r.disabled = true
		r.lastErr = err
		// Buffered records cannot be written; release them.
		n := r.buffered
		for _, s := range r.sealed {
			s.lines = nil
		}
		r.active.lines = nil
		r.buffered = 0
		r.dropped += uint64(n)
		r.mu.Unlock()

		r.logger.Error("log rotation disabled", "directory", r.cfg.Directory, "error", err)
		status = domain.StatusChanged{Source: StatusSource, Message: fmt.Sprintf("log rotation disabled: %v", err)}
	case governance.StateClosed:
		r.mu.Lock()
		if !r.disabled {
			r.mu.Unlock()
			return
		}
		r.disabled = false
		r.lastErr = nil
		r.mu.Unlock()

		r.logger.Info("log rotation re-enabled", "directory", r.cfg.Directory)
		status = domain.StatusChanged{Running: true, Source: StatusSource, Message: "log rotation re-enabled"}
	default:
		return
	}

	r.mu.Lock()
	callbacks := r.onStatus
	r.mu.Unlock()
	for _, fn := range callbacks {
		r.safeCall(func() { fn(status) })
	}
}

func (r *Rotator) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("log rotator callback panicked", "panic", rec)
		}
	}()
	fn()
}

// Disabled reports whether the rotator has disabled itself after I/O failures.
func (r *Rotator) Disabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled
}

// Run flushes on every CheckInterval until ctx is cancelled, then performs a
// final flush of buffered records.
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.Close()
		case <-ticker.C:
			_ = r.Flush(ctx)
		}
	}
}

// Close writes any buffered records without sealing the active segment.
func (r *Rotator) Close() error {
	err := r.Flush(context.Background())
	if errors.Is(err, governance.ErrCircuitOpen) {
		return nil
	}
	return err
}

// Stats returns a snapshot of rotator counters.
func (r *Rotator) Stats() domain.LogStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := domain.LogStats{
		Directory:     r.cfg.Directory,
		Policy:        string(r.cfg.Policy),
		Disabled:      r.disabled,
		ActivePath:    filepath.Join(r.cfg.Directory, r.active.name),
		ActiveEntries: r.active.records,
		ActiveBytes:   r.active.bytes,
		SealedFiles:   r.sealedFiles,
		SealedBytes:   r.sealedBytes,
		MaxFiles:      r.cfg.MaxFiles,
		Rotations:     r.rotations,
		Written:       r.written,
		Dropped:       r.dropped,
		FilesRemoved:  r.filesRemoved,
		LastRotation:  r.lastRotation,
		OverSizeLimit: r.active.bytes > r.cfg.maxBytes(),
		OverFileLimit: r.sealedFiles > r.cfg.MaxFiles,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}
