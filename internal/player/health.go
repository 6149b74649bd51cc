package player

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/marquee-dev/marquee/internal/protocol"
)

// HealthSampler reads host vitals for periodic health reports.
type HealthSampler struct {
	// DiskPath is the mount point to report usage for. Defaults to "/".
	DiskPath string
}

// Sample gathers CPU, memory, and disk usage. Metrics that cannot be read
// are reported as zero rather than failing the whole sample; a device with
// a broken disk probe should still report its CPU.
func (h *HealthSampler) Sample(ctx context.Context) protocol.HealthReport {
	report := protocol.HealthReport{TS: time.Now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		report.CPU = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.Mem = vm.UsedPercent
	}
	path := h.DiskPath
	if path == "" {
		path = "/"
	}
	if usage, err := disk.UsageWithContext(ctx, path); err == nil {
		report.Disk = usage.UsedPercent
	}
	return report
}
