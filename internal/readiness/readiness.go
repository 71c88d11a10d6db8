// Package readiness decides when a freshly spawned server accepts
// connections. Probes are pluggable; the supervisor polls one until it
// reports ready, the deadline passes or the server exits.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrAborted is returned by Poll when the abort channel fires first.
var ErrAborted = errors.New("readiness polling aborted")

// Target carries what a probe may need to know about the server.
type Target struct {
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	PGData    string // server data directory holding postmaster.pid
	SocketDir string
	BinDir    string
	LogPath   string
	LogOffset int64 // log bytes that predate this start
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Probe is a strategy that determines if the server is ready.
// It must be safe for concurrent use. A false result with a nil error means
// "not yet"; errors are reserved for probes that can never succeed.
type Probe interface {
	Ready(ctx context.Context, t Target) (bool, error)
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// Default is used when the caller configures no probe: the postmaster must
// have announced readiness and the port must accept TCP connections.
func Default() Probe {
	return All(PostmasterProbe{}, TCPProbe{})
}

type all []Probe

// All is ready when every probe is ready. Probes run in order and the first
// one that is not ready short-circuits.
func All(probes ...Probe) Probe { return all(probes) }

func (a all) Ready(ctx context.Context, t Target) (bool, error) {
	for _, p := range a {
		ok, err := p.Ready(ctx, t)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (a all) Describe() string {
	names := make([]string, 0, len(a))
	for _, p := range a {
		names = append(names, p.Describe())
	}
	return "all(" + strings.Join(names, ",") + ")"
}

// Poll runs p every interval until it reports ready. It returns ctx.Err() on
// deadline, wrapped with the last probe error if there was one, and
// ErrAborted as soon as abort is closed.
func Poll(ctx context.Context, p Probe, t Target, interval time.Duration, abort <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last error
	for {
		ok, err := p.Ready(ctx, t)
		if ok {
			return nil
		}
		if err != nil {
			last = err
		}
		select {
		case <-abort:
			return ErrAborted
		case <-ctx.Done():
			if last != nil {
				return fmt.Errorf("%w (last probe error: %v)", ctx.Err(), last)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
