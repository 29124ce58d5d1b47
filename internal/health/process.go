package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the running server process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Threads    int32   `json:"threads"`
	Uptime     string  `json:"uptime"`
}

// CollectProcess samples the current process.
func CollectProcess(ctx context.Context) (ProcessStats, error) {
	pid := int32(os.Getpid())
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("opening process %d: %w", pid, err)
	}

	stats := ProcessStats{PID: pid}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("reading create time: %w", err)
	}
	stats.Uptime = time.Since(time.UnixMilli(created)).Truncate(time.Second).String()
	return stats, nil
}
