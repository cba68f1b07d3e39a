package executor

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Usage is the resource consumption measured around one action
type Usage struct {
	MemoryBytes uint64
	CPUPercent  float64
}

// ResourceMonitor samples the runtime process. Actions share the process,
// so the figures are process-wide deltas over the action's lifetime.
type ResourceMonitor struct {
	logger *zap.Logger
	proc   *process.Process
}

func NewResourceMonitor(logger *zap.Logger) *ResourceMonitor {
	logger = logger.Named("resource-monitor")

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Failed to open process for sampling, resource usage will be zero", zap.Error(err))
		proc = nil
	}

	return &ResourceMonitor{
		logger: logger,
		proc:   proc,
	}
}

// RSS returns the resident set size of the process
func (rm *ResourceMonitor) RSS() uint64 {
	if rm == nil || rm.proc == nil {
		return 0
	}
	info, err := rm.proc.MemoryInfo()
	if err != nil {
		rm.logger.Debug("Failed to read memory info", zap.Error(err))
		return 0
	}
	return info.RSS
}

func (rm *ResourceMonitor) cpuSeconds() float64 {
	times, err := rm.proc.Times()
	if err != nil {
		rm.logger.Debug("Failed to read cpu times", zap.Error(err))
		return 0
	}
	return times.User + times.System
}

// Sample is an open measurement started by Begin
type Sample struct {
	rm      *ResourceMonitor
	started time.Time
	rss     uint64
	cpu     float64
}

// Begin starts a measurement. It is safe to call on a nil monitor.
func (rm *ResourceMonitor) Begin() *Sample {
	if rm == nil || rm.proc == nil {
		return &Sample{}
	}
	return &Sample{
		rm:      rm,
		started: time.Now(),
		rss:     rm.RSS(),
		cpu:     rm.cpuSeconds(),
	}
}

// End closes the measurement
func (s *Sample) End() Usage {
	if s.rm == nil {
		return Usage{}
	}

	var usage Usage
	if rss := s.rm.RSS(); rss > s.rss {
		usage.MemoryBytes = rss - s.rss
	}
	if wall := time.Since(s.started).Seconds(); wall > 0 {
		if used := s.rm.cpuSeconds() - s.cpu; used > 0 {
			usage.CPUPercent = used / wall * 100
		}
	}
	return usage
}
