//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// interruptGroup requests a fast shutdown of the server and its children.
func interruptGroup(pid int) error {
	return signalGroup(pid, syscall.SIGINT)
}

func killGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// signalGroup signals the whole group, falling back to the single pid when
// the child is not a group leader (processes started elsewhere).
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Terminate sends the graceful shutdown signal to a pid not started by this
// process, such as a postmaster recorded in a pid file.
func Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGINT)
}

// Kill hard-stops pid and, when it leads one, its process group.
func Kill(pid int) error {
	return killGroup(pid)
}

// Alive reports whether pid refers to a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
