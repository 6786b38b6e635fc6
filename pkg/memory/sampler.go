package memory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	gomem "github.com/shirou/gopsutil/v4/mem"
	goprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/polisai/polis-monitor/pkg/domain"
)

// System call wrappers for testing
var (
	newProcess    = goprocess.NewProcessWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	readMemStats  = runtime.ReadMemStats
)

// Sampler reports process memory usage.
type Sampler interface {
	Sample(ctx context.Context) (domain.MemoryUsage, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (domain.MemoryUsage, error)

// Sample calls f(ctx).
func (f SamplerFunc) Sample(ctx context.Context) (domain.MemoryUsage, error) {
	return f(ctx)
}

// ProcessSampler samples the resident set size of the current process and
// system-wide memory utilisation.
type ProcessSampler struct {
	pid int32
}

// NewProcessSampler creates a sampler for the current process.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{pid: int32(os.Getpid())}
}

// Sample implements Sampler. When the process cannot be inspected it falls
// back to the Go runtime's view of memory obtained from the OS.
func (s *ProcessSampler) Sample(ctx context.Context) (domain.MemoryUsage, error) {
	sampleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	usage := domain.MemoryUsage{SampledAt: time.Now()}

	proc, err := newProcess(sampleCtx, s.pid)
	if err == nil {
		var info *goprocess.MemoryInfoStat
		info, err = proc.MemoryInfoWithContext(sampleCtx)
		if err == nil && info != nil {
			usage.ProcessMB = bytesToMB(info.RSS)
		}
	}
	if err != nil || usage.ProcessMB == 0 {
		var ms runtime.MemStats
		readMemStats(&ms)
		usage.ProcessMB = bytesToMB(ms.Sys)
	}

	vm, vmErr := virtualMemory(sampleCtx)
	if vmErr != nil {
		return usage, fmt.Errorf("read system memory: %w", vmErr)
	}
	usage.SystemPercent = vm.UsedPercent
	return usage, nil
}

func bytesToMB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}
