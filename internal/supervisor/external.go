package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/pgembed/internal/metrics"
	"github.com/loykin/pgembed/internal/process"
)

// External describes a server some other process started in a data
// directory, as recorded in its postmaster.pid.
type External struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Ready     bool      `json:"ready"`
	StartedAt time.Time `json:"started_at"`
}

// FindExternal reports the live server in dataDir. ok is false when there
// is none; a stale pid file is not an error.
func FindExternal(dataDir string) (ext External, ok bool, err error) {
	pm, err := process.ReadPostmasterPID(filepath.Join(dataDir, pgdataName, "postmaster.pid"))
	if errors.Is(err, os.ErrNotExist) {
		return External{}, false, nil
	}
	if err != nil {
		return External{}, false, err
	}
	if !process.Alive(pm.PID) {
		return External{}, false, nil
	}
	ext = External{PID: pm.PID, Port: pm.Port, Ready: pm.Ready()}
	if pm.StartEpoch > 0 {
		ext.StartedAt = time.Unix(pm.StartEpoch, 0)
	}
	return ext, true, nil
}

// StopExternal stops a server started by another process for dataDir, as
// recorded in its postmaster.pid. It returns nil when no server runs there.
func StopExternal(ctx context.Context, dataDir string, grace time.Duration) error {
	pidFile := filepath.Join(dataDir, pgdataName, "postmaster.pid")
	pm, err := process.ReadPostmasterPID(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !process.Alive(pm.PID) {
		_ = os.Remove(pidFile)
		return nil
	}
	if err := process.Terminate(pm.PID); err != nil {
		return fmt.Errorf("signal postmaster %d: %w", pm.PID, err)
	}
	if waitGone(ctx, pm.PID, grace) {
		metrics.IncStop("external")
		return nil
	}
	if err := process.Kill(pm.PID); err != nil && process.Alive(pm.PID) {
		return fmt.Errorf("kill postmaster %d: %w", pm.PID, err)
	}
	metrics.IncStop("killed")
	if !waitGone(context.WithoutCancel(ctx), pm.PID, 5*time.Second) {
		return fmt.Errorf("postmaster %d still alive after kill", pm.PID)
	}
	_ = os.Remove(pidFile)
	return nil
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if !process.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !process.Alive(pid)
		case <-tick.C:
		}
	}
}
