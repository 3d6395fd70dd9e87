package engine

import (
	"time"

	"github.com/kingrea/lattice-ci/internal/runner"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

// RunStatus enumerates coarse pipeline phases.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusSuppressed RunStatus = "suppressed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning && s != ""
}

// State captures the persisted snapshot of a pipeline run.
type State struct {
	RunID    string         `json:"run_id"`
	Pipeline string         `json:"pipeline"`
	Event    workflow.Event `json:"event"`
	Status   RunStatus      `json:"status"`
	// StatusReason explains suppressed, failed and cancelled runs.
	StatusReason string           `json:"status_reason,omitempty"`
	Instances    []InstanceStatus `json:"instances"`
	Warnings     []string         `json:"warnings,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// InstanceStatus exposes one job instance for UI and API consumers.
type InstanceStatus struct {
	ID         string              `json:"id"`
	JobID      string              `json:"job_id"`
	Name       string              `json:"name"`
	Matrix     map[string]string   `json:"matrix,omitempty"`
	RunsOn     string              `json:"runs_on,omitempty"`
	BestEffort bool                `json:"best_effort,omitempty"`
	State      scheduler.State     `json:"state"`
	Reason     scheduler.Reason    `json:"reason,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	Error      string              `json:"error,omitempty"`
	Steps      []runner.StepResult `json:"steps,omitempty"`
	StartedAt  time.Time           `json:"started_at,omitempty"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
}

// Instance returns the status of one instance.
func (s State) Instance(id string) (InstanceStatus, bool) {
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceStatus{}, false
}

// Counts tallies instances per state.
func (s State) Counts() map[scheduler.State]int {
	counts := map[scheduler.State]int{}
	for _, inst := range s.Instances {
		counts[inst.State]++
	}
	return counts
}

// Clone returns a deep copy safe to hand to observers.
func (s State) Clone() State {
	clone := s
	clone.Event = s.Event.Clone()
	clone.Warnings = cloneStrings(s.Warnings)
	if len(s.Instances) > 0 {
		clone.Instances = make([]InstanceStatus, len(s.Instances))
		for i, inst := range s.Instances {
			inst.Matrix = cloneMap(inst.Matrix)
			if len(inst.Steps) > 0 {
				steps := make([]runner.StepResult, len(inst.Steps))
				for j, step := range inst.Steps {
					step.Outputs = cloneMap(step.Outputs)
					steps[j] = step
				}
				inst.Steps = steps
			}
			clone.Instances[i] = inst
		}
	}
	return clone
}

func (s *State) instance(id string) *InstanceStatus {
	for i := range s.Instances {
		if s.Instances[i].ID == id {
			return &s.Instances[i]
		}
	}
	return nil
}

// statusFromAggregate maps the board's aggregate onto a run status.
func statusFromAggregate(agg scheduler.Aggregate) RunStatus {
	switch agg.State {
	case scheduler.StateSucceeded:
		return RunStatusSucceeded
	case scheduler.StateFailed:
		return RunStatusFailed
	case scheduler.StateCancelled:
		return RunStatusCancelled
	}
	return RunStatusRunning
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func cloneMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
