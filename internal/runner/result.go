package runner

import (
	"fmt"
	"time"
)

// Outcome is the raw result of a step, before continue-on-error applies.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// Conclusion is the overall result of an instance.
type Conclusion string

const (
	ConclusionSucceeded Conclusion = "succeeded"
	ConclusionFailed    Conclusion = "failed"
	ConclusionCancelled Conclusion = "cancelled"
)

// StepResult records one executed (or skipped) step.
type StepResult struct {
	Index      int               `json:"index"`
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Outcome    Outcome           `json:"outcome"`
	Conclusion Outcome           `json:"conclusion"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	BestEffort bool              `json:"best_effort,omitempty"`
	Error      string            `json:"error,omitempty"`
	LogPath    string            `json:"log_path,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// InstanceResult is what Run reports for one instance.
type InstanceResult struct {
	Conclusion Conclusion
	Steps      []StepResult
	// Err is a *StepFailure when Conclusion is failed.
	Err error
	// Warnings collects best-effort failures and condition errors.
	Warnings []string
}

// StepFailure is the error that fails an instance.
type StepFailure struct {
	Instance string
	Step     string
	Index    int
	ExitCode int
	Err      error
}

func (e *StepFailure) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("%s: step %d (%s) exited with code %d", e.Instance, e.Index+1, e.Step, e.ExitCode)
	}
	return fmt.Sprintf("%s: step %d (%s) failed: %v", e.Instance, e.Index+1, e.Step, e.Err)
}

func (e *StepFailure) Unwrap() error {
	return e.Err
}
