package domain

import "time"

// ThrottleDecision is the outcome of a single update request.
type ThrottleDecision int

const (
	// Allowed means the update ran immediately.
	Allowed ThrottleDecision = iota
	// Deferred means the update is queued for the next allowed slot.
	Deferred
	// Dropped means the update was discarded to make room for higher priority work.
	Dropped
	// Merged means the update replaced a pending update for the same key, or joined a batch.
	Merged
)

func (d ThrottleDecision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Deferred:
		return "deferred"
	case Dropped:
		return "dropped"
	case Merged:
		return "merged"
	default:
		return "unknown"
	}
}

// QueueStats describes the event queue.
type QueueStats struct {
	Capacity  int    `json:"capacity"`
	Depth     int    `json:"depth"`
	HighWater int    `json:"high_water"`
	Published uint64 `json:"published"`
	Evicted   uint64 `json:"evicted"`
	Drained   uint64 `json:"drained"`
}

// ProcessorStats describes the event processor.
type ProcessorStats struct {
	Processed        uint64    `json:"processed"`
	Filtered         uint64    `json:"filtered"`
	Malformed        uint64    `json:"malformed"`
	Orphaned         uint64    `json:"orphaned"`
	Rejected         uint64    `json:"rejected"`
	UpdatesRequested uint64    `json:"updates_requested"`
	CallbackPanics   uint64    `json:"callback_panics"`
	Cycles           uint64    `json:"cycles"`
	Batches          uint64    `json:"batches"`
	LastProcessed    time.Time `json:"last_processed,omitzero"`
}

// MemoryUsage is one sample of process memory.
type MemoryUsage struct {
	ProcessMB     float64   `json:"process_mb"`
	SystemPercent float64   `json:"system_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// CleanupRecord is one memory cleanup pass kept in history.
type CleanupRecord struct {
	Reason  string      `json:"reason"`
	Removed int         `json:"removed"`
	Usage   MemoryUsage `json:"usage"`
	At      time.Time   `json:"at"`
}

// MemoryStats describes the memory manager.
type MemoryStats struct {
	Entries          int             `json:"entries"`
	MaxEntries       int             `json:"max_entries"`
	MaxMemoryMB      float64         `json:"max_memory_mb"`
	MaxBodySize      int             `json:"max_body_size"`
	BodyBytes        int64           `json:"body_bytes"`
	Usage            MemoryUsage     `json:"usage"`
	UsagePercent     float64         `json:"usage_percent"`
	Warning          bool            `json:"warning"`
	CountEvictions   uint64          `json:"count_evictions"`
	PressureEvicted  uint64          `json:"pressure_evicted"`
	PressureCleanups uint64          `json:"pressure_cleanups"`
	Truncations      uint64          `json:"truncations"`
	History          []CleanupRecord `json:"history,omitempty"`
}

// ThrottleStats describes the update throttler.
type ThrottleStats struct {
	Mode            string        `json:"mode"`
	Total           uint64        `json:"total"`
	Allowed         uint64        `json:"allowed"`
	Deferred        uint64        `json:"deferred"`
	Merged          uint64        `json:"merged"`
	Dropped         uint64        `json:"dropped"`
	Executed        uint64        `json:"executed"`
	Forced          uint64        `json:"forced"`
	BurstEvents     uint64        `json:"burst_events"`
	Pending         int           `json:"pending"`
	CurrentInterval time.Duration `json:"current_interval"`
	ObservedRate    float64       `json:"observed_rate"`
}

// Throttled counts requests that did not run immediately.
func (s ThrottleStats) Throttled() uint64 {
	return s.Deferred + s.Dropped + s.Merged
}

// LogStats describes the log rotator.
type LogStats struct {
	Directory     string    `json:"directory"`
	Policy        string    `json:"policy"`
	Disabled      bool      `json:"disabled"`
	LastError     string    `json:"last_error,omitempty"`
	ActivePath    string    `json:"active_path"`
	ActiveEntries int       `json:"active_entries"`
	ActiveBytes   int64     `json:"active_bytes"`
	SealedFiles   int       `json:"sealed_files"`
	SealedBytes   int64     `json:"sealed_bytes"`
	MaxFiles      int       `json:"max_files"`
	Rotations     uint64    `json:"rotations"`
	Written       uint64    `json:"written"`
	Dropped       uint64    `json:"dropped"`
	FilesRemoved  uint64    `json:"files_removed"`
	LastRotation  time.Time `json:"last_rotation,omitzero"`
	OverSizeLimit bool      `json:"over_size_limit"`
	OverFileLimit bool      `json:"over_file_limit"`
}

// CleanupStats describes the resource cleaner.
type CleanupStats struct {
	Registered uint64            `json:"registered"`
	Active     int               `json:"active"`
	Released   uint64            `json:"released"`
	Untracked  uint64            `json:"untracked"`
	Reclaimed  uint64            `json:"reclaimed"`
	Failed     uint64            `json:"failed"`
	Sweeps     uint64            `json:"sweeps"`
	ByKind     map[string]uint64 `json:"by_kind,omitempty"`
	LastSweep  time.Time         `json:"last_sweep,omitzero"`
}

// FailurePercent is the share of reclamations that failed.
func (s CleanupStats) FailurePercent() float64 {
	total := s.Reclaimed + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total) * 100
}

// AlertKind names a performance threshold breach.
type AlertKind string

const (
	AlertMemoryUsage     AlertKind = "memory_usage"
	AlertHighThrottling  AlertKind = "high_throttling"
	AlertCleanupFailures AlertKind = "cleanup_failures"
	AlertLowPerformance  AlertKind = "low_performance"
	AlertLogDisabled     AlertKind = "log_disabled"
)

// PerformanceSnapshot is a read-only rollup of every governed component.
type PerformanceSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Score     float64        `json:"score"`
	Memory    MemoryStats    `json:"memory"`
	Throttle  ThrottleStats  `json:"throttle"`
	Cleanup   CleanupStats   `json:"cleanup"`
	Log       LogStats       `json:"log"`
	Queue     QueueStats     `json:"queue"`
	Processor ProcessorStats `json:"processor"`
	Alerts    []AlertKind    `json:"alerts,omitempty"`
}
