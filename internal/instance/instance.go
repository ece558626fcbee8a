// Package instance describes the running server process: its identity on
// the bus and its resource usage.
package instance

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Info is a point-in-time view of this process.
type Info struct {
	ID         string  `json:"id"`
	Hostname   string  `json:"hostname"`
	PID        int     `json:"pid"`
	StartedAt  int64   `json:"startedAt"`
	Uptime     string  `json:"uptime"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
}

type Instance struct {
	id        string
	hostname  string
	startedAt time.Time
	proc      *process.Process
}

// New identifies this process as id. The process handle is optional: stats
// that cannot be read are reported as zero.
func New(id string) *Instance {
	hostname, _ := os.Hostname()
	inst := &Instance{
		id:        id,
		hostname:  hostname,
		startedAt: time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		inst.proc = p
	}
	return inst
}

func (i *Instance) ID() string { return i.id }

// Info gathers current process stats.
func (i *Instance) Info(ctx context.Context) (Info, error) {
	info := Info{
		ID:         i.id,
		Hostname:   i.hostname,
		PID:        os.Getpid(),
		StartedAt:  i.startedAt.UnixMilli(),
		Uptime:     time.Since(i.startedAt).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}
	if i.proc == nil {
		return info, nil
	}

	mem, err := i.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("reading memory info: %w", err)
	}
	info.RSSBytes = mem.RSS

	if cpu, err := i.proc.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = cpu
	}
	if threads, err := i.proc.NumThreadsWithContext(ctx); err == nil {
		info.Threads = threads
	}
	return info, nil
}
