//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/pgembed/internal/logger"
)

func shSpec(name, script string, log logger.Config) Spec {
	return Spec{Name: name, Path: "/bin/sh", Args: []string{"-c", script}, Log: log}
}

func TestStartWritesLogAndStatus(t *testing.T) {
	dir := t.TempDir()
	p := New(shSpec("echo", "echo out; echo err 1>&2", logger.Config{Dir: dir}))
	h, err := p.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.PID <= 0 || h.LogPath != filepath.Join(dir, "echo.log") {
		t.Fatalf("unexpected handle: %+v", h)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	exited, exitErr := p.Exited()
	if !exited || exitErr != nil {
		t.Fatalf("Exited = %v, %v", exited, exitErr)
	}
	b, err := os.ReadFile(h.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "out") || !strings.Contains(string(b), "err") {
		t.Fatalf("log missing output: %q", b)
	}
}

func TestStartTwiceFails(t *testing.T) {
	p := New(shSpec("twice", "sleep 1", logger.Config{}))
	if _, err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = p.Kill() }()
	if _, err := p.Start(); err == nil {
		t.Fatalf("second Start should fail")
	}
}

func TestStopGraceful(t *testing.T) {
	p := New(shSpec("graceful", "trap 'exit 0' INT; while :; do sleep 0.05; done", logger.Config{}))
	if _, err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := p.Stop(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st := p.Snapshot()
	if st.Running || st.Killed {
		t.Fatalf("expected graceful exit, got %+v", st)
	}
	if Alive(st.PID) {
		t.Fatalf("pid %d still alive", st.PID)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	p := New(shSpec("stubborn", "trap '' INT; while :; do sleep 0.05; done", logger.Config{}))
	if _, err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	if err := p.Stop(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !p.Snapshot().Killed {
		t.Fatalf("expected escalation to kill")
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("stop took too long: %v", time.Since(start))
	}
}

func TestStopBeforeStartAndAfterExit(t *testing.T) {
	p := New(shSpec("idle", "true", logger.Config{}))
	if err := p.Stop(context.Background(), time.Second); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Stop before start = %v, want ErrNotStarted", err)
	}
	if _, err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Done()
	if err := p.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("Stop after exit: %v", err)
	}
}

func TestAliveAndStartTime(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatalf("non-positive pids are never alive")
	}
	st := StartTime(os.Getpid())
	if st <= 0 || st > time.Now().Unix()+1 {
		t.Fatalf("implausible start time %d", st)
	}
	if StartTime(0) != 0 {
		t.Fatalf("StartTime(0) should be 0")
	}
}

func TestOSExecutor(t *testing.T) {
	var ex OSExecutor
	out, err := ex.Run(context.Background(), shSpec("ok", "echo hi", logger.Config{}))
	if err != nil || strings.TrimSpace(string(out)) != "hi" {
		t.Fatalf("Run = %q, %v", out, err)
	}

	_, err = ex.Run(context.Background(), shSpec("bad", "echo broken 1>&2; exit 3", logger.Config{}))
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if ee.Output != "broken" || !strings.Contains(ee.Error(), "bad") {
		t.Fatalf("unexpected exit error: %+v", ee)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = ex.Run(ctx, shSpec("slow", "sleep 5", logger.Config{}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEnvPassedToChild(t *testing.T) {
	spec := shSpec("env", `printf %s "$PGEMBED_X"`, logger.Config{})
	spec.Env = []string{"PGEMBED_X=value", "PATH=/usr/bin:/bin"}
	out, err := OSExecutor{}.Run(context.Background(), spec)
	if err != nil || string(out) != "value" {
		t.Fatalf("Run = %q, %v", out, err)
	}
}
