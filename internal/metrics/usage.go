package metrics

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of a worker process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// SampleUsage reads CPU and memory for pid and updates the per-worker gauges.
func SampleUsage(worker string, pid int) (Usage, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("process handle: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	// CPUPercent averages over the process lifetime; zero is fine when unavailable
	cpu, _ := p.CPUPercent()
	threads, _ := p.NumThreads()
	u := Usage{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		SampledAt:  time.Now(),
	}
	if regOK.Load() {
		workerCPU.WithLabelValues(worker).Set(cpu)
		workerMemory.WithLabelValues(worker).Set(float64(mem.RSS))
	}
	return u, nil
}
