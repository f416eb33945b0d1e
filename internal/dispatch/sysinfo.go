package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

type Usage struct {
	Percent float64
	Used    uint64
	Total   uint64
}

type CPUUsage struct {
	Percent float64
	Cores   int
}

// Probe reads host resource usage.
type Probe interface {
	Memory(ctx context.Context) (Usage, error)
	CPU(ctx context.Context) (CPUUsage, error)
	Disk(ctx context.Context, path string) (Usage, error)
}

// HostProbe reads the local machine through gopsutil.
type HostProbe struct {
	// Sample is the CPU measurement window.
	Sample time.Duration
}

func (h HostProbe) Memory(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("read memory: %w", err)
	}
	return Usage{Percent: vm.UsedPercent, Used: vm.Used, Total: vm.Total}, nil
}

func (h HostProbe) CPU(ctx context.Context) (CPUUsage, error) {
	sample := h.Sample
	if sample <= 0 {
		sample = time.Second
	}
	pct, err := cpu.PercentWithContext(ctx, sample, false)
	if err != nil {
		return CPUUsage{}, fmt.Errorf("read cpu: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return CPUUsage{}, fmt.Errorf("count cpus: %w", err)
	}
	u := CPUUsage{Cores: cores}
	if len(pct) > 0 {
		u.Percent = pct[0]
	}
	return u, nil
}

func (h HostProbe) Disk(ctx context.Context, path string) (Usage, error) {
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Usage{}, fmt.Errorf("read disk %s: %w", path, err)
	}
	return Usage{Percent: du.UsedPercent, Used: du.Used, Total: du.Total}, nil
}

const gib = 1 << 30
