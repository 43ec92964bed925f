// Package sysmetrics samples host CPU, memory and disk usage.
package sysmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const defaultCPUWindow = 500 * time.Millisecond

type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	DiskPath      string    `json:"disk_path"`
	Timestamp     time.Time `json:"timestamp"`
}

// Metrics converts the snapshot to the alerting input.
func (s Snapshot) Metrics() alerting.SystemMetrics {
	return alerting.SystemMetrics{
		CPUPercent:    s.CPUPercent,
		MemoryPercent: s.MemoryPercent,
		DiskPercent:   s.DiskPercent,
	}
}

type Sampler struct {
	DiskPath  string
	CPUWindow time.Duration

	cpuPercent  func(ctx context.Context, interval time.Duration) (float64, error)
	memPercent  func(ctx context.Context) (float64, error)
	diskPercent func(ctx context.Context, path string) (float64, error)
}

func NewSampler(diskPath string) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{
		DiskPath:    diskPath,
		CPUWindow:   defaultCPUWindow,
		cpuPercent:  cpuPercent,
		memPercent:  memPercent,
		diskPercent: diskPercent,
	}
}

// Sample blocks for the CPU measurement window.
func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{DiskPath: s.DiskPath, Timestamp: time.Now()}
	var err error
	if snap.CPUPercent, err = s.cpuPercent(ctx, s.CPUWindow); err != nil {
		return snap, fmt.Errorf("sample cpu: %w", err)
	}
	if snap.MemoryPercent, err = s.memPercent(ctx); err != nil {
		return snap, fmt.Errorf("sample memory: %w", err)
	}
	if snap.DiskPercent, err = s.diskPercent(ctx, s.DiskPath); err != nil {
		return snap, fmt.Errorf("sample disk %s: %w", s.DiskPath, err)
	}
	return snap, nil
}

func cpuPercent(ctx context.Context, interval time.Duration) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return values[0], nil
}

func memPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func diskPercent(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}
