package process

import "time"

// Status is a point-in-time copy of a Process.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"exit_error,omitempty"`
	Killed    bool      `json:"killed"` // stop escalated to a hard kill
	LogPath   string    `json:"log_path,omitempty"`
}

// Handle identifies a running server. It exists only between a successful
// start and the completed stop.
type Handle struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	LogPath   string    `json:"log_path"`
	StartedAt time.Time `json:"started_at"`
}
