// Package usage snapshots host resource consumption for the health endpoint
// and the usage-updated broadcast.
package usage

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is one usage reading.
type Snapshot struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsedMB  uint64  `json:"memoryUsedMb"`
	ProcessRSSMB  uint64  `json:"processRssMb"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

// Tracker produces snapshots relative to process start.
type Tracker struct {
	startedAt time.Time
	pid       int32
}

// NewTracker builds a tracker for the current process.
func NewTracker(pid int32) *Tracker {
	return &Tracker{startedAt: time.Now(), pid: pid}
}

// Snapshot reads current usage. Failures degrade to zero values; the
// snapshot is advisory.
func (t *Tracker) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: int64(time.Since(t.startedAt).Seconds()),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedMB = vm.Used / (1 << 20)
	}
	if proc, err := process.NewProcess(t.pid); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snap.ProcessRSSMB = info.RSS / (1 << 20)
		}
	}
	return snap
}

// Map renders the snapshot as an event payload.
func (s Snapshot) Map() map[string]interface{} {
	return map[string]interface{}{
		"cpuPercent":    s.CPUPercent,
		"memoryPercent": s.MemoryPercent,
		"memoryUsedMb":  s.MemoryUsedMB,
		"processRssMb":  s.ProcessRSSMB,
		"uptimeSeconds": s.UptimeSeconds,
	}
}
