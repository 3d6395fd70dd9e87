package engine

import (
	"fmt"
	"strings"

	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

// claimed is a started instance together with its resolved runs-on label.
// Workers receive it by value and never look back into coordinator state.
type claimed struct {
	inst   scheduler.Instance
	runsOn string
}

// claim reserves the next batch of runnable instances, resolves their
// runs-on label and marks them Running. Instances held back by slot limits
// stay Runnable for the next round.
func (c *coordinator) claim() []claimed {
	batch, err := c.board.Runnable(scheduler.RunnableRequest{MaxParallel: c.maxParallel})
	if err != nil {
		c.logger.Error("select runnable instances", "error", err)
		return nil
	}
	for id, skip := range batch.Skipped {
		c.logger.Debug("instance waiting for a slot", "instance", id, "reason", skip.Reason, "detail", skip.Detail)
	}
	claims := make([]claimed, 0, len(batch.Instances))
	var changes []scheduler.Change
	for _, inst := range batch.Instances {
		label := c.runsOn(*inst)
		change, err := c.board.Start(inst.ID)
		if err != nil {
			c.logger.Error("start instance", "instance", inst.ID, "error", err)
			continue
		}
		if status := c.state.instance(inst.ID); status != nil {
			status.RunsOn = label
		}
		changes = append(changes, change)
		claims = append(claims, claimed{inst: *inst, runsOn: label})
	}
	c.record(changes)
	return claims
}

// runsOn interpolates the job's runs-on label against the instance matrix.
func (c *coordinator) runsOn(inst scheduler.Instance) string {
	node, _ := c.plan.Graph.Node(inst.JobID)
	label := strings.TrimSpace(node.Job.RunsOn)
	if label == "" {
		return ""
	}
	resolved, err := c.engine.evaluator.Interpolate(label, c.scope(inst))
	if err != nil {
		c.warn(fmt.Sprintf("%s: runs-on %q: %v", inst.ID, label, err))
	}
	return resolved
}
