package readiness

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
)

// CommandProbe runs pg_isready from the installation's bin directory.
// Exit status 0 means ready; 1 (rejecting) and 2 (no response) mean not yet.
type CommandProbe struct {
	// Path overrides the pg_isready binary.
	Path string
}

func (p CommandProbe) binary(t Target) string {
	if p.Path != "" {
		return p.Path
	}
	name := "pg_isready"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(t.BinDir, name)
}

func (p CommandProbe) Ready(ctx context.Context, t Target) (bool, error) {
	bin := p.binary(t)
	if _, err := os.Stat(bin); err != nil {
		return false, err
	}
	db := t.Database
	if db == "" {
		db = "postgres"
	}
	// #nosec G204 -- binary from the extracted installation
	cmd := exec.CommandContext(ctx, bin, "-h", t.Host, "-p", strconv.Itoa(t.Port), "-U", t.User, "-d", db, "-q")
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// 3 means bad parameters, retrying will not help
		if ee.ExitCode() == 3 {
			return false, err
		}
		return false, nil
	}
	return false, err
}

func (p CommandProbe) Describe() string {
	if p.Path != "" {
		return "cmd:" + p.Path
	}
	return "cmd:pg_isready"
}
