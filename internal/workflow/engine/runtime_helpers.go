package engine

import (
	"fmt"

	"github.com/kingrea/lattice-ci/internal/runner"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

// instanceOutcome maps a runner conclusion onto the board's terminal state.
// A job that hit its own timeout is a failure, not a cancellation.
func instanceOutcome(res finished) (scheduler.State, string) {
	switch res.result.Conclusion {
	case runner.ConclusionSucceeded:
		return scheduler.StateSucceeded, ""
	case runner.ConclusionCancelled:
		if res.timedOut {
			return scheduler.StateFailed, "job timed out"
		}
		return scheduler.StateCancelled, "cancelled while running"
	}
	if res.result.Err != nil {
		return scheduler.StateFailed, res.result.Err.Error()
	}
	return scheduler.StateFailed, fmt.Sprintf("%s failed", res.id)
}

// jobPermissions returns the job's permissions, falling back to the
// pipeline's.
func jobPermissions(def workflow.Definition, job workflow.Job) workflow.Permissions {
	if len(job.Permissions) > 0 {
		return job.Permissions
	}
	return def.Permissions
}

func mergeEnv(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
