package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned when an operation needs a started process.
var ErrNotStarted = errors.New("process not started")

// reapTimeout bounds how long Stop waits for the child after a hard kill.
const reapTimeout = 5 * time.Second

// Process owns one child started from a Spec. A single goroutine waits on the
// child; everyone else observes Done.
type Process struct {
	spec     Spec
	cmd      *exec.Cmd
	status   Status
	mu       sync.Mutex
	logW     io.WriteCloser
	waitDone chan struct{} // closed when cmd.Wait returns
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Start spawns the child in its own process group with stdout and stderr
// going to the rotated log file configured in Spec.Log.
func (r *Process) Start() (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return Handle{}, fmt.Errorf("%s: already started", r.spec.Name)
	}
	cmd := r.spec.BuildCommand()
	configureSysProcAttr(cmd)

	w, path, err := r.spec.Log.Writer(r.spec.Name)
	if err != nil {
		return Handle{}, fmt.Errorf("open log: %w", err)
	}
	if w != nil {
		cmd.Stdout = w
		cmd.Stderr = w
	}
	if err := cmd.Start(); err != nil {
		if w != nil {
			_ = w.Close()
		}
		return Handle{}, err
	}

	r.cmd = cmd
	r.logW = w
	r.waitDone = make(chan struct{})
	r.status = Status{
		Name:      r.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		LogPath:   path,
	}
	go r.wait(cmd, r.waitDone)

	return Handle{PID: r.status.PID, LogPath: path, StartedAt: r.status.StartedAt}, nil
}

func (r *Process) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	if r.logW != nil {
		_ = r.logW.Close()
		r.logW = nil
	}
	r.mu.Unlock()
	close(done)
}

// Done is closed once the child has exited and been reaped. It returns nil
// before Start.
func (r *Process) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitDone
}

// Exited reports whether the child is gone, and its exit error if so.
func (r *Process) Exited() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil {
		return false, nil
	}
	return !r.status.Running, r.status.ExitErr
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

func (r *Process) pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Stop asks the process group to shut down with an interrupt, then escalates
// to a kill once grace elapses or ctx ends. It returns after the child has been
// reaped, or an error if it could not be reaped even after the kill.
func (r *Process) Stop(ctx context.Context, grace time.Duration) error {
	pid := r.pid()
	if pid == 0 {
		return ErrNotStarted
	}
	done := r.Done()
	select {
	case <-done:
		return nil
	default:
	}

	_ = interruptGroup(pid)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return r.Kill()
}

// Kill sends a hard kill to the process group and waits for the reap.
func (r *Process) Kill() error {
	pid := r.pid()
	if pid == 0 {
		return ErrNotStarted
	}
	done := r.Done()
	select {
	case <-done:
		return nil
	default:
	}
	r.mu.Lock()
	r.status.Killed = true
	r.mu.Unlock()
	if err := killGroup(pid); err != nil && Alive(pid) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(reapTimeout):
		return fmt.Errorf("process %d did not exit after kill", pid)
	}
}
