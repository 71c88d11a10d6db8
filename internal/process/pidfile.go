package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PostmasterStatus values found on the last line of postmaster.pid.
const (
	PostmasterStarting = "starting"
	PostmasterStopping = "stopping"
	PostmasterReady    = "ready"
	PostmasterStandby  = "standby"
)

// PostmasterPID is the parsed content of <pgdata>/postmaster.pid.
type PostmasterPID struct {
	PID        int
	DataDir    string
	StartEpoch int64
	Port       int
	SocketDir  string
	ListenAddr string
	Status     string // empty on servers that have not reported yet
}

// ReadPostmasterPID parses the pid file the server writes into its data
// directory. Missing trailing lines are tolerated; the server fills the file
// incrementally while it starts.
func ReadPostmasterPID(path string) (PostmasterPID, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PostmasterPID{}, err
	}
	lines := strings.Split(string(b), "\n")
	field := func(i int) string {
		if i < len(lines) {
			return strings.TrimSpace(lines[i])
		}
		return ""
	}
	pid, err := strconv.Atoi(field(0))
	if err != nil || pid == 0 {
		return PostmasterPID{}, fmt.Errorf("%s: invalid pid line %q", path, field(0))
	}
	// a negative pid marks a single-user backend
	if pid < 0 {
		pid = -pid
	}
	out := PostmasterPID{
		PID:        pid,
		DataDir:    field(1),
		SocketDir:  field(4),
		ListenAddr: field(5),
		Status:     field(7),
	}
	out.StartEpoch, _ = strconv.ParseInt(field(2), 10, 64)
	out.Port, _ = strconv.Atoi(field(3))
	return out, nil
}

// Ready reports whether the postmaster announced it accepts connections.
func (p PostmasterPID) Ready() bool { return p.Status == PostmasterReady }
