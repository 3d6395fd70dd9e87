package scheduler

import (
	"errors"
	"fmt"

	"github.com/kingrea/lattice-ci/internal/workflow/graph"
)

// Selector exposes the minimal contract the engine needs to request runnable
// instance batches.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Board tracks every instance of a pipeline run and applies the lifecycle
// rules: readiness from `needs`, cascading skips, fail-fast and cancellation.
// A Board is not safe for concurrent use; the engine's coordinator owns it.
type Board struct {
	graph     *graph.Graph
	instances map[string]*Instance
	order     []string
	byJob     map[string][]*Instance
	cancelled bool
}

// New wires a Board to the job graph and its expanded instances. Instances
// start Pending.
func New(g *graph.Graph, instances []*Instance) (*Board, error) {
	if g == nil {
		return nil, fmt.Errorf("scheduler: job graph is required")
	}
	board := &Board{
		graph:     g,
		instances: make(map[string]*Instance, len(instances)),
		byJob:     make(map[string][]*Instance, g.Len()),
	}
	for _, inst := range instances {
		if inst == nil || inst.ID == "" {
			return nil, fmt.Errorf("scheduler: instance id is required")
		}
		if _, ok := g.Node(inst.JobID); !ok {
			return nil, fmt.Errorf("scheduler: instance %s references unknown job %s", inst.ID, inst.JobID)
		}
		if _, dup := board.instances[inst.ID]; dup {
			return nil, fmt.Errorf("scheduler: duplicate instance id %s", inst.ID)
		}
		inst.State = StatePending
		board.instances[inst.ID] = inst
		board.byJob[inst.JobID] = append(board.byJob[inst.JobID], inst)
	}
	for _, jobID := range g.Order() {
		if len(board.byJob[jobID]) == 0 {
			return nil, fmt.Errorf("scheduler: job %s has no instances", jobID)
		}
		for _, inst := range board.byJob[jobID] {
			board.order = append(board.order, inst.ID)
		}
	}
	return board, nil
}

// RunnableRequest captures scheduling constraints for one dispatch round.
type RunnableRequest struct {
	// BatchSize limits how many runnable instances are returned at once. Values
	// <= 0 are treated as "no limit" (subject to MaxParallel enforcement).
	BatchSize int
	// MaxParallel caps how many instances may be Running at once, across all
	// jobs. Values <= 0 disable the limit.
	MaxParallel int
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Instances []*Instance
	Skipped   map[string]SkipReason
}

// SkipReason explains why a Runnable instance was left out of a batch.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates batch exclusion reasons.
type SkipReasonCode string

const (
	SkipReasonConcurrency    SkipReasonCode = "concurrency"
	SkipReasonJobMaxParallel SkipReasonCode = "job-max-parallel"
)

// Runnable returns Runnable instances that may start now, in topological job
// order and matrix order within a job.
func (b *Board) Runnable(req RunnableRequest) (RunnableBatch, error) {
	running := 0
	perJob := map[string]int{}
	for _, inst := range b.instances {
		if inst.State == StateRunning {
			running++
			perJob[inst.JobID]++
		}
	}
	result := RunnableBatch{}
	limit := req.batchLimit(len(b.order), running)
	for _, id := range b.order {
		inst := b.instances[id]
		if inst.State != StateRunnable {
			continue
		}
		if limit == 0 || len(result.Instances) >= limit {
			result.addSkip(id, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
			continue
		}
		if jobMax := b.jobMaxParallel(inst.JobID); jobMax > 0 && perJob[inst.JobID] >= jobMax {
			result.addSkip(id, SkipReason{Reason: SkipReasonJobMaxParallel, Detail: fmt.Sprintf("job %s max-parallel %d reached", inst.JobID, jobMax)})
			continue
		}
		perJob[inst.JobID]++
		result.Instances = append(result.Instances, inst)
	}
	return result, nil
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := req.BatchSize
	if limit <= 0 || limit > queueLen {
		limit = queueLen
	}
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}

// Refresh cascades skips from unsuccessful instances to everything that
// transitively needs them, then promotes Pending instances whose
// dependencies all Succeeded. It returns the applied changes.
func (b *Board) Refresh() []Change {
	var changes []Change
	blockedBy := map[string]*Instance{}
	var roots []string
	for _, jobID := range b.graph.Order() {
		var worst *Instance
		for _, inst := range b.byJob[jobID] {
			if blockSeverity(inst.State) > blockSeverity(stateOf(worst)) {
				worst = inst
			}
		}
		if worst != nil {
			roots = append(roots, jobID)
			blockedBy[jobID] = worst
		}
	}
	if len(roots) > 0 {
		for _, jobID := range b.graph.Descendants(roots...) {
			cause := b.rootCause(jobID, blockedBy)
			for _, inst := range b.byJob[jobID] {
				if inst.State != StatePending && inst.State != StateRunnable {
					continue
				}
				failure := &DependencyFailure{Instance: inst.ID}
				if cause != nil {
					failure.Upstream = cause.ID
					failure.UpstreamState = cause.State
				}
				inst.Err = failure
				changes = append(changes, b.apply(inst, StateSkipped, ReasonDependency, failure.Error()))
			}
		}
	}
	for _, jobID := range b.graph.Order() {
		if !b.dependenciesSucceeded(jobID) {
			continue
		}
		for _, inst := range b.byJob[jobID] {
			if inst.State == StatePending {
				changes = append(changes, b.apply(inst, StateRunnable, "", ""))
			}
		}
	}
	return changes
}

// blockSeverity ranks unsuccessful states so a failed sibling is reported
// as the cause ahead of a condition-skipped one.
func blockSeverity(s State) int {
	switch s {
	case StateFailed:
		return 3
	case StateCancelled:
		return 2
	case StateSkipped:
		return 1
	}
	return 0
}

func stateOf(inst *Instance) State {
	if inst == nil {
		return ""
	}
	return inst.State
}

// rootCause finds the nearest unsuccessful upstream instance for a job.
func (b *Board) rootCause(jobID string, blockedBy map[string]*Instance) *Instance {
	visited := map[string]bool{}
	queue := b.graph.Dependencies(jobID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if inst, ok := blockedBy[id]; ok {
			return inst
		}
		queue = append(queue, b.graph.Dependencies(id)...)
	}
	return nil
}

func (b *Board) dependenciesSucceeded(jobID string) bool {
	for _, dep := range b.graph.Dependencies(jobID) {
		for _, inst := range b.byJob[dep] {
			if inst.State != StateSucceeded {
				return false
			}
		}
	}
	return true
}

// Start marks a Runnable instance as Running.
func (b *Board) Start(id string) (Change, error) {
	inst, err := b.lookup(id)
	if err != nil {
		return Change{}, err
	}
	if err := checkTransition(id, inst.State, StateRunning); err != nil {
		return Change{}, err
	}
	return b.apply(inst, StateRunning, "", ""), nil
}

// Skip moves a not-yet-started instance to Skipped, e.g. when its job-level
// condition is false. Siblings are unaffected.
func (b *Board) Skip(id string, reason Reason, detail string) (Change, error) {
	inst, err := b.lookup(id)
	if err != nil {
		return Change{}, err
	}
	if err := checkTransition(id, inst.State, StateSkipped); err != nil {
		return Change{}, err
	}
	return b.apply(inst, StateSkipped, reason, detail), nil
}

// Finish records the terminal outcome of a Running instance. A failure of a
// non-best-effort instance in a fail-fast job cancels its not-yet-started
// siblings.
func (b *Board) Finish(id string, outcome State, detail string) ([]Change, error) {
	inst, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(id, inst.State, outcome); err != nil {
		return nil, err
	}
	reason := Reason("")
	if outcome == StateCancelled {
		reason = ReasonCancelled
	}
	changes := []Change{b.apply(inst, outcome, reason, detail)}
	if outcome == StateFailed && !inst.BestEffort && b.failFast(inst.JobID) {
		for _, sibling := range b.byJob[inst.JobID] {
			if sibling.State == StatePending || sibling.State == StateRunnable {
				changes = append(changes, b.apply(sibling, StateCancelled, ReasonFailFast, fmt.Sprintf("cancelled after %s failed", inst.ID)))
			}
		}
	}
	return changes, nil
}

// CancelPending cancels every instance that has not started. Running
// instances are torn down by the engine and reported through Finish.
func (b *Board) CancelPending(detail string) []Change {
	b.cancelled = true
	var changes []Change
	for _, id := range b.order {
		inst := b.instances[id]
		if inst.State == StatePending || inst.State == StateRunnable {
			changes = append(changes, b.apply(inst, StateCancelled, ReasonCancelled, detail))
		}
	}
	return changes
}

// Aggregate summarizes the run. Failed lists required instances that
// failed; Blocked lists required instances skipped because something
// upstream failed, including a best-effort upstream whose own failure is
// tolerated.
type Aggregate struct {
	State   State
	Failed  []string
	Blocked []string
	Counts  map[State]int
}

// Aggregate computes the pipeline outcome. It is Succeeded only when every
// non-best-effort instance Succeeded or was skipped by a condition, directly
// or through its dependencies. Any other skip or failure of a required
// instance makes it Failed; a run cancelled without failures is Cancelled.
func (b *Board) Aggregate() Aggregate {
	agg := Aggregate{State: StateSucceeded, Counts: map[State]int{}}
	cancelled := b.cancelled
	for _, id := range b.order {
		inst := b.instances[id]
		agg.Counts[inst.State]++
		if inst.BestEffort {
			continue
		}
		switch inst.State {
		case StateFailed:
			agg.Failed = append(agg.Failed, id)
		case StateCancelled:
			cancelled = true
		case StateSkipped:
			if inst.Reason != ReasonDependency {
				continue
			}
			switch origin := b.skipOrigin(inst); origin.State {
			case StateFailed:
				agg.Blocked = append(agg.Blocked, id)
			case StateCancelled:
				cancelled = true
			}
		case StatePending, StateRunnable, StateRunning:
			agg.State = StateRunning
		}
	}
	switch {
	case len(agg.Failed) > 0 || len(agg.Blocked) > 0:
		agg.State = StateFailed
	case agg.State == StateRunning:
	case cancelled:
		agg.State = StateCancelled
	}
	return agg
}

// skipOrigin follows a chain of dependency skips back to the instance that
// started it: a failure, a cancellation or a condition skip.
func (b *Board) skipOrigin(inst *Instance) *Instance {
	for range b.order {
		if inst.State != StateSkipped || inst.Reason != ReasonDependency {
			return inst
		}
		var failure *DependencyFailure
		if !errors.As(inst.Err, &failure) || failure.Upstream == "" {
			return inst
		}
		next, ok := b.instances[failure.Upstream]
		if !ok {
			return inst
		}
		inst = next
	}
	return inst
}

// Done reports whether every instance reached a terminal state.
func (b *Board) Done() bool {
	for _, inst := range b.instances {
		if !inst.State.Terminal() {
			return false
		}
	}
	return true
}

// RunningIDs lists Running instances in board order.
func (b *Board) RunningIDs() []string {
	var ids []string
	for _, id := range b.order {
		if b.instances[id].State == StateRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Instance returns a copy of one instance.
func (b *Board) Instance(id string) (Instance, bool) {
	inst, ok := b.instances[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Instances returns copies of every instance in board order.
func (b *Board) Instances() []Instance {
	out := make([]Instance, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.instances[id])
	}
	return out
}

func (b *Board) lookup(id string) (*Instance, error) {
	inst, ok := b.instances[id]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown instance %s", id)
	}
	return inst, nil
}

func (b *Board) apply(inst *Instance, to State, reason Reason, detail string) Change {
	change := Change{ID: inst.ID, From: inst.State, To: to, Reason: reason, Detail: detail}
	inst.State = to
	inst.Reason = reason
	inst.Detail = detail
	return change
}

func (b *Board) failFast(jobID string) bool {
	node, ok := b.graph.Node(jobID)
	if !ok {
		return true
	}
	return node.Job.Strategy.FailFastEnabled()
}

func (b *Board) jobMaxParallel(jobID string) int {
	node, ok := b.graph.Node(jobID)
	if !ok || node.Job.Strategy == nil {
		return 0
	}
	return node.Job.Strategy.MaxParallel
}
