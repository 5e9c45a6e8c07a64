// Package sysstats samples host CPU and memory usage.
package sysstats

import (
	"context"
	"fmt"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Host samples utilization through gopsutil.
type Host struct{}

func NewHost() *Host {
	return &Host{}
}

// Sample returns the CPU percentage since the previous call and the share of
// physical memory in use.
func (h *Host) Sample(ctx context.Context) (float64, float64, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPercent float64
	if len(cpus) > 0 {
		cpuPercent = cpus[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sample memory: %w", err)
	}
	return cpuPercent, vm.UsedPercent, nil
}

var _ port.SystemStats = (*Host)(nil)
