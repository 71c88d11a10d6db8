package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/loykin/pgembed/internal/archive"
	"github.com/loykin/pgembed/internal/env"
	"github.com/loykin/pgembed/internal/process"
)

type initMarker struct {
	Version       string    `json:"version"`
	InitializedAt time.Time `json:"initialized_at"`
}

// Setup drives the instance to Initialized: fetch the archive, install it
// and initialize the data directory. Steps whose result already exists are
// skipped, so a second call only checks. It is a no-op while running.
func (s *Supervisor) Setup(ctx context.Context) error {
	return s.withLock(ctx, func(ctx context.Context) error {
		if s.State() == StateRunning {
			return nil
		}
		return s.setup(ctx)
	})
}

func (s *Supervisor) setup(ctx context.Context) error {
	entry, err := s.cache.Fetch(ctx, s.artifact)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.setState(ctx, StateDownloaded, nil)

	var inst archive.Installation
	err = s.guard.WithLock(ctx, "install:"+s.installDir(), s.installDir()+".lock", func(ctx context.Context) error {
		var err error
		inst, err = archive.Extract(ctx, entry.Path, s.installDir())
		return err
	})
	if err != nil {
		return s.fail(ctx, err)
	}
	s.mu.Lock()
	s.install = inst
	s.mu.Unlock()
	s.setState(ctx, StateExtracted, nil)

	if err := s.initialize(ctx, inst); err != nil {
		return s.fail(ctx, err)
	}
	s.setState(ctx, StateInitialized, nil)
	return nil
}

// initialize runs initdb unless the data directory is already initialized.
// A data directory that has PG_VERSION but no marker was created by another
// tool and is adopted rather than wiped.
func (s *Supervisor) initialize(ctx context.Context, inst archive.Installation) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}
	if _, err := os.Stat(s.initMarker()); err == nil {
		s.removeStalePID()
		return nil
	}
	if _, err := os.Stat(filepath.Join(s.pgdata(), "PG_VERSION")); err == nil {
		s.log.Info("adopting existing data directory", "pgdata", s.pgdata())
		s.removeStalePID()
		return s.writeInitMarker()
	}
	// leftovers of an interrupted initdb
	if err := os.RemoveAll(s.pgdata()); err != nil {
		return fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}

	pwfile := filepath.Join(s.cfg.DataDir, pwfileName)
	if err := os.WriteFile(pwfile, []byte(s.cfg.Password), 0o600); err != nil {
		return fmt.Errorf("%w: write password file: %w", ErrInitializationFailed, err)
	}
	defer func() { _ = os.Remove(pwfile) }()

	start := time.Now()
	out, err := s.exec.Run(ctx, process.Spec{
		Name: "initdb",
		Path: inst.Binary("initdb"),
		Args: []string{
			"-A", string(s.cfg.AuthMethod),
			"-U", s.cfg.User,
			"--pwfile=" + pwfile,
			"-D", s.pgdata(),
			"-E", s.cfg.Encoding,
			"--locale=" + s.cfg.Locale,
		},
		Dir: s.cfg.DataDir,
		Env: s.serverEnv(),
	})
	if err != nil {
		_ = os.RemoveAll(s.pgdata())
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}
	s.log.Info("data directory initialized", "pgdata", s.pgdata(), "took", time.Since(start).Round(time.Millisecond), "output_bytes", len(out))
	if err := s.writeInitMarker(); err != nil {
		return fmt.Errorf("%w: %w", ErrInitializationFailed, err)
	}
	return nil
}

func (s *Supervisor) writeInitMarker() error {
	b, err := json.Marshal(initMarker{Version: s.artifact.Key.Version, InitializedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return os.WriteFile(s.initMarker(), b, 0o644)
}

// removeStalePID deletes a postmaster.pid left by a crashed server so the
// next start is not refused.
func (s *Supervisor) removeStalePID() {
	pm, err := process.ReadPostmasterPID(s.pidFile())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			_ = os.Remove(s.pidFile())
		}
		return
	}
	if !process.Alive(pm.PID) {
		s.log.Warn("removing stale postmaster.pid", "pid", pm.PID)
		_ = os.Remove(s.pidFile())
	}
}

// serverEnv is the environment for initdb and the server: the caller's
// environment without libpq client variables, plus Config.Env.
func (s *Supervisor) serverEnv() []string {
	return env.ForServer().Merge(s.cfg.Env)
}

// serverArgs are the postgres arguments; ServerParams are sorted so the
// command line is stable.
func (s *Supervisor) serverArgs() []string {
	args := []string{"-D", s.pgdata(), "-p", fmt.Sprint(s.cfg.Port), "-h", "127.0.0.1"}
	if socketsSupported {
		args = append(args, "-k", s.socketDir())
	}
	keys := make([]string, 0, len(s.cfg.ServerParams))
	for k := range s.cfg.ServerParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-c", k+"="+s.cfg.ServerParams[k])
	}
	return args
}
