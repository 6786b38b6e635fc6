package monitor

import (
	"github.com/polisai/polis-monitor/pkg/domain"
)

// presence marks which governed components contributed to a snapshot.
// Absent components score their full weight.
type presence struct {
	memory, throttle, cleanup, log bool
}

// Score computes the weighted 0..100 performance score for a snapshot.
func Score(s domain.PerformanceSnapshot) float64 {
	return score(s, presence{memory: true, throttle: true, cleanup: true, log: true})
}

func score(s domain.PerformanceSnapshot, p presence) float64 {
	total := memoryScore(s.Memory, p.memory) +
		throttleScore(s.Throttle, p.throttle) +
		cleanupScore(s.Cleanup, p.cleanup) +
		logScore(s.Log, p.log)
	return clamp(total, 0, 100)
}

func memoryScore(m domain.MemoryStats, present bool) float64 {
	if !present || m.MaxMemoryMB <= 0 {
		return memoryWeight
	}
	ratio := m.Usage.ProcessMB / m.MaxMemoryMB
	return memoryWeight * (1 - clamp(ratio, 0, 1))
}

func throttleScore(t domain.ThrottleStats, present bool) float64 {
	if !present || t.Total == 0 {
		return throttleWeight
	}
	ratio := float64(t.Throttled()) / float64(t.Total)
	return throttleWeight * (1 - clamp(ratio, 0, 1))
}

func cleanupScore(c domain.CleanupStats, present bool) float64 {
	if !present {
		return cleanupWeight
	}
	return cleanupWeight * (1 - c.FailurePercent()/100)
}

func logScore(l domain.LogStats, present bool) float64 {
	if !present {
		return logWeight
	}
	if l.Disabled {
		return 0
	}
	s := logWeight
	if l.OverFileLimit {
		s *= 0.8
	}
	if l.OverSizeLimit {
		s *= 0.8
	}
	return s
}

// throttledPercent is the share of throttle requests that did not run immediately.
func throttledPercent(t domain.ThrottleStats) float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Throttled()) / float64(t.Total) * 100
}

// alerts lists every threshold the snapshot breaches, in a fixed order.
func alerts(s domain.PerformanceSnapshot, p presence, th Thresholds) []domain.AlertKind {
	var out []domain.AlertKind
	if p.memory && s.Memory.UsagePercent >= th.MemoryPercent {
		out = append(out, domain.AlertMemoryUsage)
	}
	if p.throttle && s.Throttle.Total > 0 && throttledPercent(s.Throttle) >= th.ThrottlePercent {
		out = append(out, domain.AlertHighThrottling)
	}
	if p.cleanup && s.Cleanup.Reclaimed+s.Cleanup.Failed > 0 && s.Cleanup.FailurePercent() >= th.CleanupFailurePercent {
		out = append(out, domain.AlertCleanupFailures)
	}
	if s.Score < th.MinScore {
		out = append(out, domain.AlertLowPerformance)
	}
	if p.log && s.Log.Disabled {
		out = append(out, domain.AlertLogDisabled)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
