package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/pgembed/internal/metrics"
	"github.com/loykin/pgembed/internal/migrate"
	"github.com/loykin/pgembed/internal/process"
	"github.com/loykin/pgembed/internal/readiness"
)

// Start brings the instance to Running, running Setup first when needed, and
// returns how to connect to it. With Config.MigrationDir set the migrations
// are applied once the server is ready; a migration failure is returned
// together with the descriptor and leaves the server running.
func (s *Supervisor) Start(ctx context.Context) (ConnectionDescriptor, error) {
	var desc ConnectionDescriptor
	err := s.withLock(ctx, func(ctx context.Context) error {
		if s.State() == StateRunning {
			return ErrAlreadyRunning
		}
		if err := s.start(ctx); err != nil {
			metrics.IncStart("failed")
			return s.fail(ctx, err)
		}
		metrics.IncStart("ok")
		desc = s.descriptor()
		return nil
	})
	if err != nil {
		return ConnectionDescriptor{}, err
	}
	if s.cfg.MigrationDir != "" {
		if _, err := s.RunMigrations(ctx, migrate.DirSource(s.cfg.MigrationDir)); err != nil {
			return desc, err
		}
	}
	return desc, nil
}

func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	installed := s.install.BinDir != ""
	state := s.state
	s.mu.Unlock()
	if !installed || (state != StateInitialized && state != StateStopped) {
		if err := s.setup(ctx); err != nil {
			return err
		}
	}

	if pm, err := process.ReadPostmasterPID(s.pidFile()); err == nil {
		if process.Alive(pm.PID) {
			return fmt.Errorf("%w: postmaster %d owns %s", ErrAlreadyRunning, pm.PID, s.pgdata())
		}
		s.removeStalePID()
	}
	if err := checkPort(s.cfg.Port); err != nil {
		return err
	}
	if socketsSupported {
		if err := os.MkdirAll(s.socketDir(), 0o700); err != nil {
			return fmt.Errorf("%w: socket dir: %w", ErrProcessSpawnFailed, err)
		}
	}

	logPath := s.cfg.Log.FilePath("postgres")
	var offset int64
	if fi, err := os.Stat(logPath); err == nil {
		offset = fi.Size()
	}

	s.mu.Lock()
	inst := s.install
	s.mu.Unlock()
	proc := process.New(process.Spec{
		Name: "postgres",
		Path: inst.Binary("postgres"),
		Args: s.serverArgs(),
		Dir:  s.cfg.DataDir,
		Env:  s.serverEnv(),
		Log:  s.cfg.Log,
	})
	begun := time.Now()
	h, err := proc.Start()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcessSpawnFailed, err)
	}
	h.Addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
	s.log.Info("server spawned", "pid", h.PID, "log", h.LogPath, "probe", s.cfg.ReadinessProbe.Describe())

	target := readiness.Target{
		Host:      "127.0.0.1",
		Port:      s.cfg.Port,
		User:      s.cfg.User,
		Password:  s.cfg.Password,
		Database:  s.cfg.Database,
		PGData:    s.pgdata(),
		SocketDir: s.socketDir(),
		BinDir:    inst.BinDir,
		LogPath:   logPath,
		LogOffset: offset,
	}
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()
	err = readiness.Poll(pollCtx, s.cfg.ReadinessProbe, target, readinessPeriod, proc.Done())
	if err != nil {
		return s.abortStart(ctx, proc, err, logPath, offset)
	}

	metrics.ObserveStartupDuration(time.Since(begun))
	s.mu.Lock()
	s.proc = proc
	s.handle = h
	s.mu.Unlock()
	s.setState(ctx, StateRunning, nil)
	s.log.Info("server ready", "pid", h.PID, "took", time.Since(begun).Round(time.Millisecond))
	return nil
}

// abortStart tears down a server that did not become ready and classifies
// why. The teardown ignores cancellation of ctx.
func (s *Supervisor) abortStart(ctx context.Context, proc *process.Process, pollErr error, logPath string, offset int64) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := proc.Stop(cctx, 0); err != nil {
		s.log.Error("could not stop server after failed start", "error", err)
	}
	tail := logTail(logPath, offset, 20)

	switch {
	case errors.Is(pollErr, readiness.ErrAborted):
		_, exitErr := proc.Exited()
		if addressInUse(tail) {
			return fmt.Errorf("%w: %d: %s", ErrPortInUse, s.cfg.Port, tail)
		}
		return fmt.Errorf("%w: exited during startup (%v): %s", ErrProcessSpawnFailed, exitErr, tail)
	case ctx.Err() != nil:
		s.log.Warn("start cancelled, server stopped", "error", ctx.Err())
		return pollErr
	default:
		return fmt.Errorf("%w: after %s (%v): %s", ErrReadinessTimeout, s.cfg.StartupTimeout, pollErr, tail)
	}
}

// checkPort fails with ErrPortInUse when something already listens on port.
// The server may still lose a race for it; that surfaces from abortStart.
func checkPort(port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %d: %w", ErrPortInUse, port, err)
	}
	return l.Close()
}

func addressInUse(log string) bool {
	l := strings.ToLower(log)
	return strings.Contains(l, "address already in use") || strings.Contains(l, "could not bind")
}

// logTail returns the last n lines written to path after offset.
func logTail(path string, offset int64, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
