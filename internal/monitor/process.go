package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is one resource sample of the host and this process.
type Usage struct {
	MemoryPercent float64   `json:"memoryPercent"`
	ProcessRSS    uint64    `json:"processRssBytes"`
	ProcessCPU    float64   `json:"processCpuPercent"`
	Threads       int32     `json:"threads,omitempty"`
	SampledAt     time.Time `json:"sampledAt"`
}

// Sampler reads current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SystemSampler samples host memory and the current process with gopsutil.
type SystemSampler struct {
	proc *process.Process
}

func NewSystemSampler() (*SystemSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	return &SystemSampler{proc: p}, nil
}

func (s *SystemSampler) Sample(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("reading host memory: %w", err)
	}
	u := Usage{
		MemoryPercent: vm.UsedPercent,
		SampledAt:     time.Now(),
	}

	// Process figures are best effort; host memory drives the watchdog.
	if mi, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		u.ProcessRSS = mi.RSS
	}
	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		u.ProcessCPU = cpu
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	return u, nil
}
