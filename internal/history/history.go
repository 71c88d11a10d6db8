package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSetup   EventType = "setup"
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventClean   EventType = "clean"
	EventMigrate EventType = "migrate"
	EventFailed  EventType = "failed"
)

// Event is one entry of an instance's lifecycle journal.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	DataDir    string    `json:"data_dir"`
	Version    string    `json:"version,omitempty"`
	Port       int       `json:"port,omitempty"`
	PID        int       `json:"pid,omitempty"`
	From       string    `json:"from,omitempty"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, dataDir, state string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		DataDir:    dataDir,
		State:      state,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends e to every sink and joins their errors. A failing sink does
// not stop delivery to the others.
func Fanout(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
