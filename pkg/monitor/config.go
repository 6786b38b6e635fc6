package monitor

import (
	"fmt"
	"time"
)

// Monitor defaults.
const (
	DefaultSampleInterval        = 60 * time.Second
	DefaultMemoryPercent         = 80.0
	DefaultThrottlePercent       = 70.0
	DefaultCleanupFailurePercent = 20.0
	DefaultMinScore              = 60.0
	DefaultCriticalScore         = 40.0

	// pendingClearThreshold is the pending-update depth above which an
	// optimization pass discards queued throttle updates.
	pendingClearThreshold = 20
	historyLimit          = 10
)

// Score weights. They sum to 100.
const (
	memoryWeight   = 30.0
	throttleWeight = 25.0
	cleanupWeight  = 25.0
	logWeight      = 20.0
)

// Thresholds configures sampling and alerting.
type Thresholds struct {
	SampleInterval        time.Duration `yaml:"sample_interval" json:"sample_interval"`
	MemoryPercent         float64       `yaml:"memory_percent" json:"memory_percent"`
	ThrottlePercent       float64       `yaml:"throttle_percent" json:"throttle_percent"`
	CleanupFailurePercent float64       `yaml:"cleanup_failure_percent" json:"cleanup_failure_percent"`
	MinScore              float64       `yaml:"min_score" json:"min_score"`
	CriticalScore         float64       `yaml:"critical_score" json:"critical_score"`
	AutoOptimize          bool          `yaml:"auto_optimize" json:"auto_optimize"`
}

// DefaultThresholds returns the default alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SampleInterval:        DefaultSampleInterval,
		MemoryPercent:         DefaultMemoryPercent,
		ThrottlePercent:       DefaultThrottlePercent,
		CleanupFailurePercent: DefaultCleanupFailurePercent,
		MinScore:              DefaultMinScore,
		CriticalScore:         DefaultCriticalScore,
		AutoOptimize:          true,
	}
}

// Validate checks the thresholds.
func (t Thresholds) Validate() error {
	if t.SampleInterval < 0 {
		return fmt.Errorf("sample_interval must not be negative")
	}
	for name, v := range map[string]float64{
		"memory_percent":          t.MemoryPercent,
		"throttle_percent":        t.ThrottlePercent,
		"cleanup_failure_percent": t.CleanupFailurePercent,
		"min_score":               t.MinScore,
		"critical_score":          t.CriticalScore,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be between 0 and 100, got %v", name, v)
		}
	}
	if t.CriticalScore > t.MinScore && t.MinScore > 0 {
		return fmt.Errorf("critical_score (%v) must not exceed min_score (%v)", t.CriticalScore, t.MinScore)
	}
	return nil
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.SampleInterval <= 0 {
		t.SampleInterval = d.SampleInterval
	}
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = d.MemoryPercent
	}
	if t.ThrottlePercent <= 0 {
		t.ThrottlePercent = d.ThrottlePercent
	}
	if t.CleanupFailurePercent <= 0 {
		t.CleanupFailurePercent = d.CleanupFailurePercent
	}
	if t.MinScore <= 0 {
		t.MinScore = d.MinScore
	}
	if t.CriticalScore <= 0 {
		t.CriticalScore = d.CriticalScore
	}
	return t
}
