//go:build windows

package process

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

// interruptGroup delivers CTRL_BREAK to the child's process group, which the
// server treats as a fast shutdown request.
func interruptGroup(pid int) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
}

func killGroup(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, 1)
}

// Terminate stops a pid not started by this process. Windows has no way to
// deliver a console event across consoles, so this is a hard stop.
func Terminate(pid int) error {
	return killGroup(pid)
}

// Kill hard-stops pid.
func Kill(pid int) error {
	return killGroup(pid)
}

// Alive reports whether pid refers to a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
