package engine

import (
	"errors"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/graph"
	"github.com/kingrea/lattice-ci/internal/workflow/matrix"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

// Plan is a validated, fully resolved pipeline ready to run. Building a plan
// never executes anything.
type Plan struct {
	Definition workflow.Definition
	Context    workflow.RunContext
	Trigger    workflow.TriggerDecision
	Graph      *graph.Graph
	Instances  []PlannedInstance
	// actions maps job id to the resolved action of each `uses` step.
	actions map[string]map[int]action.Action
}

// PlannedInstance is one job bound to one matrix assignment.
type PlannedInstance struct {
	ID         string
	JobID      string
	Matrix     matrix.Entry
	BestEffort bool
}

// Suppressed reports whether the trigger filters rejected the event.
func (p *Plan) Suppressed() bool {
	return !p.Trigger.Run
}

// Actions returns the resolved actions for a job's steps.
func (p *Plan) Actions(jobID string) map[int]action.Action {
	return p.actions[jobID]
}

func (p *Plan) boardInstances() []*scheduler.Instance {
	out := make([]*scheduler.Instance, 0, len(p.Instances))
	for _, inst := range p.Instances {
		out = append(out, &scheduler.Instance{
			ID:         inst.ID,
			JobID:      inst.JobID,
			Matrix:     inst.Matrix,
			BestEffort: inst.BestEffort,
		})
	}
	return out
}

// Plan normalizes def, builds the job graph, expands every matrix and
// resolves every `uses` reference. Any problem is a *workflow.ConfigError and
// the pipeline must not start. The trigger decision is recorded but does not
// fail planning.
func (e *Engine) Plan(def workflow.Definition, rc workflow.RunContext) (*Plan, error) {
	normalized, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(normalized.Jobs)
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		Definition: normalized,
		Context:    rc,
		Trigger:    normalized.Admits(rc.Event()),
		Graph:      g,
		actions:    map[string]map[int]action.Action{},
	}
	for _, jobID := range g.Order() {
		node, _ := g.Node(jobID)
		job := node.Job
		var m *workflow.Matrix
		if job.Strategy != nil {
			m = job.Strategy.Matrix
		}
		entries, err := matrix.Expand(m)
		if err != nil {
			return nil, attachJob(err, jobID)
		}
		seen := map[string]struct{}{}
		for _, entry := range entries {
			id := entry.InstanceID(jobID)
			if _, dup := seen[id]; dup {
				return nil, workflow.NewConfigError(workflow.ErrMalformedMatrix, jobID, "matrix produces instance %q twice", id)
			}
			seen[id] = struct{}{}
			plan.Instances = append(plan.Instances, PlannedInstance{
				ID:         id,
				JobID:      jobID,
				Matrix:     entry,
				BestEffort: job.ContinueOnError,
			})
		}
		resolved, err := e.resolveActions(job)
		if err != nil {
			return nil, err
		}
		plan.actions[jobID] = resolved
	}
	return plan, nil
}

func (e *Engine) resolveActions(job workflow.Job) (map[int]action.Action, error) {
	resolved := map[int]action.Action{}
	for idx, step := range job.Steps {
		if step.Uses == "" {
			continue
		}
		act, err := e.registry.Resolve(step.Uses)
		if err != nil {
			return nil, workflow.NewConfigError(workflow.ErrUnknownAction, job.ID, "step[%d]: %v", idx, err)
		}
		if err := act.Info().CheckInputs(step.With); err != nil {
			return nil, workflow.NewConfigError(workflow.ErrInvalidDefinition, job.ID, "step[%d]: %v", idx, err)
		}
		resolved[idx] = act
	}
	return resolved, nil
}

// attachJob fills in the job on config errors raised below the job level.
func attachJob(err error, jobID string) error {
	var cfgErr *workflow.ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Job == "" {
		return workflow.NewConfigError(cfgErr.Kind, jobID, "%s", cfgErr.Msg)
	}
	return err
}
