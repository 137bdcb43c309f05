package sys

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const monitorCacheTTL = 2 * time.Second

type monitorResp struct {
	PID         int32     `json:"pid"`
	Platform    string    `json:"platform"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	NumThreads  int32   `json:"num_threads"`
	Goroutines  int     `json:"goroutines"`

	TimestampMs int64 `json:"timestamp_ms"`
}

// monitor samples the engine process. Samples are cached for monitorCacheTTL
// so polling peers do not each pay for a collection.
type monitor struct {
	s *Service

	mu      sync.Mutex
	proc    *process.Process
	hasSnap bool
	snap    monitorResp
}

func (m *monitor) snapshot(ctx context.Context) monitorResp {
	now := m.s.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasSnap && now.Sub(time.UnixMilli(m.snap.TimestampMs)) < monitorCacheTTL {
		return m.snap
	}
	m.snap = m.collect(ctx, now)
	m.hasSnap = true
	return m.snap
}

func (m *monitor) collect(ctx context.Context, now time.Time) monitorResp {
	resp := monitorResp{
		PID:         int32(os.Getpid()),
		Platform:    runtime.GOOS,
		Goroutines:  runtime.NumGoroutine(),
		TimestampMs: now.UnixMilli(),
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		resp.CPUCores = cores
	} else {
		m.s.log.Warn("sys_monitor: get cpu cores failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		resp.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		m.s.log.Debug("sys_monitor: get load average failed", "error", err)
	}

	if m.proc == nil {
		p, err := process.NewProcessWithContext(ctx, resp.PID)
		if err != nil {
			m.s.log.Warn("sys_monitor: open self process failed", "error", err)
			return resp
		}
		m.proc = p
	}
	if pct, err := m.proc.CPUPercentWithContext(ctx); err == nil {
		resp.CPUPercent = pct
	}
	if mem, err := m.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		resp.MemoryBytes = mem.RSS
	}
	if n, err := m.proc.NumThreadsWithContext(ctx); err == nil {
		resp.NumThreads = n
	}
	return resp
}
