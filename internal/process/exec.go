package process

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// Executor runs one-shot commands to completion. Implementations must honor
// ctx cancellation.
type Executor interface {
	Run(ctx context.Context, spec Spec) ([]byte, error)
}

// OSExecutor runs commands as real child processes.
type OSExecutor struct{}

// Run executes spec and returns its combined output. A non-zero exit yields
// an *ExitError carrying the tail of the output.
func (OSExecutor) Run(ctx context.Context, spec Spec) ([]byte, error) {
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return buf.Bytes(), &ExitError{Name: spec.Name, Err: err, Output: tail(buf.String(), 20)}
		}
		return buf.Bytes(), nil
	case <-ctx.Done():
		_ = killGroup(cmd.Process.Pid)
		<-done
		return buf.Bytes(), ctx.Err()
	}
}

// ExitError reports a command that ran but failed.
type ExitError struct {
	Name   string
	Err    error
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Name, e.Err, e.Output)
}

func (e *ExitError) Unwrap() error { return e.Err }

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
