package supervisor

import (
	"context"
	"time"

	"github.com/loykin/pgembed/internal/history"
	"github.com/loykin/pgembed/internal/metrics"
)

// State is the lifecycle position of an instance.
type State int32

const (
	StateUninitialized State = iota
	StateDownloaded
	StateExtracted
	StateInitialized
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDownloaded:
		return "downloaded"
	case StateExtracted:
		return "extracted"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// transitions lists the legal moves. Failed is reachable from everywhere
// and left by nothing.
var transitions = map[State][]State{
	StateUninitialized: {StateDownloaded},
	StateDownloaded:    {StateExtracted, StateUninitialized},
	StateExtracted:     {StateInitialized, StateDownloaded, StateUninitialized},
	StateInitialized:   {StateRunning, StateDownloaded, StateUninitialized},
	StateRunning:       {StateStopped},
	StateStopped:       {StateRunning, StateDownloaded, StateUninitialized},
}

func canTransition(from, to State) bool {
	if from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func eventFor(to State) history.EventType {
	switch to {
	case StateRunning:
		return history.EventStart
	case StateStopped:
		return history.EventStop
	case StateUninitialized:
		return history.EventClean
	case StateFailed:
		return history.EventFailed
	}
	return history.EventSetup
}

// setState moves the instance to `to` and records the move. Callers hold the
// data directory guard. Illegal moves are logged and ignored.
func (s *Supervisor) setState(ctx context.Context, to State, cause error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		s.mu.Unlock()
		s.log.Error("illegal state transition", "from", from.String(), "to", to.String())
		return
	}
	s.state = to
	if to == StateFailed {
		s.failErr = cause
	}
	pid := s.handle.PID
	s.mu.Unlock()

	metrics.RecordStateTransition(from.String(), to.String())
	metrics.SetCurrentState(s.cfg.DataDir, from.String(), to.String())
	s.log.Debug("state transition", "from", from.String(), "to", to.String())

	e := history.NewEvent(eventFor(to), s.cfg.DataDir, to.String())
	e.From = from.String()
	e.Version = s.artifact.Key.Version
	e.Port = s.cfg.Port
	e.PID = pid
	if cause != nil {
		e.Error = cause.Error()
	}
	s.record(ctx, e)
}

// record delivers e to the configured sinks. Sink failures never fail the
// lifecycle operation.
func (s *Supervisor) record(ctx context.Context, e history.Event) {
	if len(s.cfg.History) == 0 {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := history.Fanout(hctx, s.cfg.History, e); err != nil {
		s.log.Warn("history sink failed", "event", string(e.Type), "error", err)
	}
}
