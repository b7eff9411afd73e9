package metrics

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot is the host load reported by /health.
type HostSnapshot struct {
	CPUs           int     `json:"cpus"`
	CPULoad        float64 `json:"cpu_load"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// CollectHost samples load average and memory. Unsupported probes leave zeros.
func CollectHost(ctx context.Context) HostSnapshot {
	out := HostSnapshot{CPUs: runtime.NumCPU()}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemUsedPercent = vm.UsedPercent
	}
	return out
}
