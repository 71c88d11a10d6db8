package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/loykin/pgembed/internal/lock"
	"github.com/loykin/pgembed/internal/metrics"
	"github.com/loykin/pgembed/internal/process"
)

// Stop shuts the server down: a fast-shutdown request, then a hard kill once
// Config.StopTimeout passes. Stopping an instance that is not running is a
// no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.withLock(ctx, s.stop)
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	running := s.state == StateRunning
	s.mu.Unlock()
	if !running || proc == nil {
		return nil
	}

	// the shutdown completes even if the caller gives up on it
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StopTimeout+cleanupTimeout)
	defer cancel()
	err := proc.Stop(cctx, s.cfg.StopTimeout)
	mode := "graceful"
	if proc.Snapshot().Killed {
		mode = "killed"
	}
	metrics.IncStop(mode)
	if err != nil && !errors.Is(err, process.ErrNotStarted) {
		return fmt.Errorf("stop server: %w", err)
	}
	if mode == "killed" {
		s.log.Warn("server did not stop in time and was killed", "grace", s.cfg.StopTimeout)
		s.removeStalePID()
	}

	s.mu.Lock()
	s.proc = nil
	s.handle.PID = 0
	s.mu.Unlock()
	s.setState(ctx, StateStopped, nil)
	s.log.Info("server stopped", "mode", mode)
	return nil
}

// Clean removes the data directory. It is refused while running. A failed
// instance may still be cleaned; it stays failed.
func (s *Supervisor) Clean(ctx context.Context) error {
	var err error
	if s.State() == StateFailed {
		err = s.guard.WithLock(ctx, "data:"+s.cfg.DataDir, s.lockFile(), s.clean)
	} else {
		err = s.withLock(ctx, func(ctx context.Context) error {
			if s.State() == StateRunning {
				return ErrAlreadyRunning
			}
			if err := s.clean(ctx); err != nil {
				return err
			}
			s.setState(ctx, StateUninitialized, nil)
			return nil
		})
	}
	if err != nil {
		return err
	}
	s.removeLockFile()
	return nil
}

// clean removes everything in the data directory but the lock file, which
// is held while this runs. A live server in it, started by anyone, blocks the
// removal.
func (s *Supervisor) clean(context.Context) error {
	if pm, err := process.ReadPostmasterPID(s.pidFile()); err == nil && process.Alive(pm.PID) {
		return fmt.Errorf("%w: postmaster %d owns %s", ErrAlreadyRunning, pm.PID, s.pgdata())
	}
	entries, err := os.ReadDir(s.cfg.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("clean %s: %w", s.cfg.DataDir, err)
	}
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cfg.DataDir, e.Name())); err != nil {
			return fmt.Errorf("clean %s: %w", s.cfg.DataDir, err)
		}
	}
	s.log.Info("data directory removed")
	return nil
}

// removeLockFile drops the lock file and the then empty data directory once
// nobody holds the lock.
func (s *Supervisor) removeLockFile() {
	if _, err := os.Stat(s.cfg.DataDir); err != nil {
		return
	}
	fl, ok, err := lock.TryAcquire(s.lockFile())
	if err != nil || !ok {
		return
	}
	_ = os.Remove(s.lockFile())
	_ = fl.Release()
	if runtime.GOOS == "windows" {
		// open files cannot be removed there
		_ = os.Remove(s.lockFile())
	}
	_ = os.Remove(s.cfg.DataDir)
}

// Close stops the server and, unless Config.Persistent is set, removes the
// data directory. It is meant for deferred and t.Cleanup use and also works
// on a failed instance.
func (s *Supervisor) Close(ctx context.Context) error {
	var errs []error
	if s.State() == StateFailed {
		s.killLeftover(ctx)
	} else if err := s.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if !s.cfg.Persistent {
		if err := s.Clean(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// killLeftover makes sure no server outlives a failed instance.
func (s *Supervisor) killLeftover(ctx context.Context) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		_ = proc.Stop(cctx, s.cfg.StopTimeout)
	}
}
