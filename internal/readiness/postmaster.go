package readiness

import (
	"context"
	"path/filepath"

	"github.com/loykin/pgembed/internal/process"
)

// PostmasterProbe reads <pgdata>/postmaster.pid and is ready when the server
// reports "ready" for the expected port and its pid is alive.
type PostmasterProbe struct{}

func (PostmasterProbe) Ready(_ context.Context, t Target) (bool, error) {
	pm, err := process.ReadPostmasterPID(filepath.Join(t.PGData, "postmaster.pid"))
	if err != nil {
		// absent or still being written
		return false, nil
	}
	if !pm.Ready() {
		return false, nil
	}
	if t.Port != 0 && pm.Port != 0 && pm.Port != t.Port {
		return false, nil
	}
	return process.Alive(pm.PID), nil
}

func (PostmasterProbe) Describe() string { return "postmaster.pid" }
