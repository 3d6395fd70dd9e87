package scheduler

import (
	"errors"
	"fmt"

	"github.com/kingrea/lattice-ci/internal/workflow/matrix"
)

// State is an instance's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateRunnable  State = "runnable"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

var allowedTransitions = map[State][]State{
	StatePending:  {StateRunnable, StateSkipped, StateCancelled},
	StateRunnable: {StateRunning, StateSkipped, StateCancelled},
	StateRunning:  {StateSucceeded, StateFailed, StateCancelled},
}

// ErrInvalidTransition is returned when a state change would violate the
// lifecycle.
var ErrInvalidTransition = errors.New("scheduler: invalid state transition")

func checkTransition(id string, from, to State) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
}

// Reason explains why an instance ended Skipped or Cancelled.
type Reason string

const (
	ReasonCondition  Reason = "condition"
	ReasonDependency Reason = "dependency"
	ReasonFailFast   Reason = "fail-fast"
	ReasonCancelled  Reason = "cancelled"
)

// DependencyFailure records the upstream instance whose outcome caused a
// cascading skip.
type DependencyFailure struct {
	Instance      string
	Upstream      string
	UpstreamState State
}

func (e *DependencyFailure) Error() string {
	return fmt.Sprintf("%s skipped: dependency %s %s", e.Instance, e.Upstream, e.UpstreamState)
}

// Instance is one job bound to one matrix assignment.
type Instance struct {
	ID         string
	JobID      string
	Matrix     matrix.Entry
	BestEffort bool

	State  State
	Reason Reason
	Detail string
	Err    error
}

// Change describes one state transition applied by the board.
type Change struct {
	ID     string
	From   State
	To     State
	Reason Reason
	Detail string
}
