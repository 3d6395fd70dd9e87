package engine

import (
	"time"

	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

// EventKind classifies engine notifications.
type EventKind string

const (
	EventRunStarted  EventKind = "run-started"
	EventInstance    EventKind = "instance"
	EventRunFinished EventKind = "run-finished"
)

// Event is emitted on every state change. Snapshot is a private copy.
type Event struct {
	Kind     EventKind
	RunID    string
	Instance string
	From     scheduler.State
	To       scheduler.State
	Reason   scheduler.Reason
	Detail   string
	At       time.Time
	Snapshot State
}

// Observer receives events on the coordinator goroutine; it must not block.
type Observer func(Event)
