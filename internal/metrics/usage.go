package metrics

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource snapshot of the postmaster and its backends.
type Usage struct {
	PID        int32     `json:"pid"`
	Processes  int       `json:"processes"` // postmaster plus children
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Sample collects usage for pid and every direct child. Children that vanish
// between listing and sampling are skipped.
func Sample(pid int) (Usage, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	u := Usage{PID: int32(pid), Timestamp: time.Now()}
	if err := accumulate(&u, root); err != nil {
		return Usage{}, err
	}
	children, _ := root.Children()
	for _, c := range children {
		_ = accumulate(&u, c)
	}
	return u, nil
}

func accumulate(u *Usage, p *process.Process) error {
	mem, err := p.MemoryInfo()
	if err != nil {
		return fmt.Errorf("failed to get memory info: %w", err)
	}
	u.Processes++
	u.MemoryRSS += mem.RSS
	u.MemoryVMS += mem.VMS
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent += cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads += n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs += n
		}
	}
	return nil
}
