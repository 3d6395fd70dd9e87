package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/logbook"
	"github.com/kingrea/lattice-ci/internal/logging"
	"github.com/kingrea/lattice-ci/internal/runner"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/condition"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

// Engine plans pipelines and drives runs to completion while persisting
// their state.
type Engine struct {
	registry    *action.Registry
	repo        StateStore
	clock       func() time.Time
	maxParallel int
	runner      *runner.Runner
	evaluator   *condition.Evaluator
	observers   []Observer
	layout      *workflow.Layout
	workspace   string
	logger      *slog.Logger
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMaxParallel caps concurrently running instances across the run.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		e.maxParallel = n
	}
}

// WithRunner overrides the step runner.
func WithRunner(r *runner.Runner) Option {
	return func(e *Engine) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithEvaluator overrides the evaluator used for job conditions and runs-on.
func WithEvaluator(ev *condition.Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithObserver registers a callback for engine events.
func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observers = append(e.observers, obs)
		}
	}
}

// WithLayout sets where logbooks and step logs are written.
func WithLayout(layout *workflow.Layout) Option {
	return func(e *Engine) {
		if layout != nil {
			e.layout = layout
		}
	}
}

// WithWorkspace sets the default working tree for steps.
func WithWorkspace(dir string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(dir) != "" {
			e.workspace = dir
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New wires an engine to the action registry and persistence store.
func New(registry *action.Registry, repo StateStore, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine: action registry is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("engine: state store is required")
	}
	engine := &Engine{
		registry:  registry,
		repo:      repo,
		clock:     time.Now,
		evaluator: condition.New(),
		workspace: ".",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.runner == nil {
		engine.runner = runner.New(runner.WithEvaluator(engine.evaluator), runner.WithClock(engine.clock))
	}
	if engine.layout == nil {
		engine.layout = workflow.NewLayout(filepath.Join(os.TempDir(), "latticeci"))
	}
	return engine, nil
}

// RunRequest starts one pipeline execution.
type RunRequest struct {
	Definition workflow.Definition
	Context    workflow.RunContext
	// RunID is generated when empty.
	RunID string
	// Workspace overrides the engine default.
	Workspace string
	// MaxParallel overrides the engine default when > 0.
	MaxParallel int
}

// NewRunID derives a unique, path-safe run id from the pipeline name.
func NewRunID(pipeline string) string {
	base := strings.ToLower(workflow.SanitizeName(pipeline))
	if base == "" || base == "-" {
		base = "pipeline"
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

// Run plans and executes a pipeline. A *workflow.ConfigError means nothing
// was dispatched. Failed and cancelled runs are not errors: inspect
// State.Status.
func (e *Engine) Run(ctx context.Context, req RunRequest) (State, error) {
	plan, err := e.Plan(req.Definition, req.Context)
	if err != nil {
		return State{}, err
	}
	return e.Execute(ctx, plan, req)
}

// Execute runs an already built plan.
func (e *Engine) Execute(ctx context.Context, plan *Plan, req RunRequest) (State, error) {
	runID := req.RunID
	if runID == "" {
		runID = NewRunID(plan.Definition.Name)
	}
	workspace := req.Workspace
	if workspace == "" {
		workspace = e.workspace
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	maxParallel := e.maxParallel
	if req.MaxParallel > 0 {
		maxParallel = req.MaxParallel
	}
	book, err := logbook.New(e.layout.LogbookPath(runID),
		logbook.WithClock(e.now),
		logbook.WithMasker(logging.NewMasker(plan.Context.SecretValues())),
	)
	if err != nil {
		return State{}, fmt.Errorf("engine: open logbook: %w", err)
	}
	board, err := scheduler.New(plan.Graph, plan.boardInstances())
	if err != nil {
		return State{}, err
	}
	logger := e.logger.With("run", runID, "pipeline", plan.Definition.Name)
	c := &coordinator{
		engine:      e,
		plan:        plan,
		board:       board,
		book:        book,
		logger:      logger,
		runID:       runID,
		workspace:   workspace,
		maxParallel: maxParallel,
		checked:     map[string]bool{},
	}
	c.state = c.initialState()
	return c.run(logging.WithLogger(ctx, logger))
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func (e *Engine) emit(evt Event) {
	for _, obs := range e.observers {
		obs(evt)
	}
}

// finished carries one instance's result back to the coordinator.
type finished struct {
	id       string
	result   runner.InstanceResult
	timedOut bool
	started  time.Time
	ended    time.Time
}

// coordinator owns the board and the state snapshot; workers only report
// results over a channel.
type coordinator struct {
	engine      *Engine
	plan        *Plan
	board       *scheduler.Board
	book        *logbook.Logbook
	logger      *slog.Logger
	state       State
	runID       string
	workspace   string
	maxParallel int
	// checked records instances whose job condition was evaluated.
	checked  map[string]bool
	saveErr  error
	canceled bool
}

func (c *coordinator) initialState() State {
	now := c.engine.now()
	state := State{
		RunID:     c.runID,
		Pipeline:  c.plan.Definition.Name,
		Event:     c.plan.Context.Event(),
		Status:    RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	for _, inst := range c.board.Instances() {
		node, _ := c.plan.Graph.Node(inst.JobID)
		name := node.Job.Name
		if !inst.Matrix.IsUnit() {
			name = fmt.Sprintf("%s (%s)", node.Job.Name, inst.Matrix.Label())
		}
		state.Instances = append(state.Instances, InstanceStatus{
			ID:         inst.ID,
			JobID:      inst.JobID,
			Name:       name,
			Matrix:     inst.Matrix.Map(),
			BestEffort: inst.BestEffort,
			State:      inst.State,
		})
	}
	return state
}

func (c *coordinator) run(ctx context.Context) (State, error) {
	if c.plan.Suppressed() {
		return c.suppress()
	}
	c.book.Info("run %s started: pipeline %s, %d instance(s)", c.runID, c.plan.Definition.Name, len(c.state.Instances))
	c.logger.Info("run started", "instances", len(c.state.Instances))
	c.persist()
	c.engine.emit(Event{Kind: EventRunStarted, RunID: c.runID, At: c.engine.now(), Snapshot: c.state.Clone()})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	results := make(chan finished)
	var workers errgroup.Group

	for {
		if ctx.Err() != nil && !c.canceled {
			c.cancel("pipeline cancelled")
		}
		c.settle()
		if !c.canceled {
			for _, claim := range c.claim() {
				workers.Go(func() error {
					results <- c.execute(runCtx, claim)
					return nil
				})
			}
		}
		if c.board.Done() {
			break
		}
		if len(c.board.RunningIDs()) == 0 {
			// Nothing running and nothing became runnable; cancel what is left
			// rather than wait forever.
			c.cancel("no runnable instances remain")
			continue
		}
		done := ctx.Done()
		if c.canceled {
			done = nil
		}
		select {
		case res := <-results:
			c.finish(res)
		case <-done:
			c.cancel("pipeline cancelled")
			cancelRun()
		}
	}
	_ = workers.Wait()
	return c.complete()
}

// settle applies readiness, cascading skips and job conditions until the
// board stops changing.
func (c *coordinator) settle() {
	for {
		c.record(c.board.Refresh())
		skipped := false
		for _, inst := range c.board.Instances() {
			if inst.State != scheduler.StateRunnable || c.checked[inst.ID] {
				continue
			}
			c.checked[inst.ID] = true
			if ok, detail := c.admitted(inst); !ok {
				change, err := c.board.Skip(inst.ID, scheduler.ReasonCondition, detail)
				if err != nil {
					c.logger.Error("skip failed", "instance", inst.ID, "error", err)
					continue
				}
				c.record([]scheduler.Change{change})
				skipped = true
			}
		}
		if !skipped {
			return
		}
	}
}

// admitted evaluates a job's `if` for one instance. Errors make the guard
// false.
func (c *coordinator) admitted(inst scheduler.Instance) (bool, string) {
	node, _ := c.plan.Graph.Node(inst.JobID)
	expr := strings.TrimSpace(node.Job.If)
	if expr == "" {
		return true, ""
	}
	ok, err := c.engine.evaluator.Evaluate(expr, c.scope(inst))
	if err != nil {
		c.warn(fmt.Sprintf("%s: condition %q: %v", inst.ID, expr, err))
		return false, fmt.Sprintf("condition %q could not be evaluated", expr)
	}
	if !ok {
		return false, fmt.Sprintf("condition %q is false", expr)
	}
	return true, ""
}

func (c *coordinator) scope(inst scheduler.Instance) condition.Scope {
	node, _ := c.plan.Graph.Node(inst.JobID)
	scope := condition.NewScope(c.plan.Context)
	scope.Matrix = inst.Matrix.Map()
	scope.Env = mergeEnv(c.plan.Definition.Env, node.Job.Env)
	return scope
}

func (c *coordinator) execute(ctx context.Context, claim claimed) finished {
	inst := claim.inst
	node, _ := c.plan.Graph.Node(inst.JobID)
	job := node.Job
	instCtx := ctx
	cancel := func() {}
	if job.TimeoutMinutes > 0 {
		instCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMinutes)*time.Minute)
	}
	defer cancel()
	started := c.engine.now()
	result := c.engine.runner.Run(instCtx, runner.Request{
		RunID:       c.runID,
		InstanceID:  inst.ID,
		Job:         job,
		Matrix:      inst.Matrix.Map(),
		Actions:     c.plan.Actions(inst.JobID),
		Run:         c.plan.Context,
		Env:         c.plan.Definition.Env,
		Permissions: jobPermissions(c.plan.Definition, job),
		RunnerLabel: claim.runsOn,
		Workspace:   c.workspace,
		LogDir:      c.engine.layout.StepLogDir(c.runID, inst.ID),
	})
	timedOut := result.Conclusion == runner.ConclusionCancelled &&
		errors.Is(instCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return finished{id: inst.ID, result: result, timedOut: timedOut, started: started, ended: c.engine.now()}
}

func (c *coordinator) finish(res finished) {
	outcome, detail := instanceOutcome(res)
	inst, _ := c.board.Instance(res.id)
	changes, err := c.board.Finish(res.id, outcome, detail)
	if err != nil {
		c.logger.Error("finish failed", "instance", res.id, "error", err)
		return
	}
	if status := c.state.instance(res.id); status != nil {
		status.Steps = res.result.Steps
		status.StartedAt = res.started
		status.FinishedAt = res.ended
		if res.result.Err != nil {
			status.Error = res.result.Err.Error()
		}
	}
	for _, warning := range res.result.Warnings {
		c.warn(fmt.Sprintf("%s: %s", res.id, warning))
	}
	if outcome == scheduler.StateFailed && inst.BestEffort {
		c.warn(fmt.Sprintf("%s failed but is best-effort: %s", res.id, detail))
	}
	c.record(changes)
}

func (c *coordinator) cancel(detail string) {
	if c.canceled {
		return
	}
	c.canceled = true
	c.state.StatusReason = detail
	c.book.Warn("%s", detail)
	c.logger.Warn("run cancelled", "detail", detail)
	c.record(c.board.CancelPending(detail))
}

// record mirrors board changes into the snapshot, the logbook and observers,
// then persists.
func (c *coordinator) record(changes []scheduler.Change) {
	if len(changes) == 0 {
		return
	}
	for _, change := range changes {
		if status := c.state.instance(change.ID); status != nil {
			status.State = change.To
			status.Reason = change.Reason
			status.Detail = change.Detail
			if inst, ok := c.board.Instance(change.ID); ok && inst.Err != nil && status.Error == "" {
				status.Error = inst.Err.Error()
			}
		}
		c.logChange(change)
	}
	c.persist()
	for _, change := range changes {
		c.engine.emit(Event{
			Kind:     EventInstance,
			RunID:    c.runID,
			Instance: change.ID,
			From:     change.From,
			To:       change.To,
			Reason:   change.Reason,
			Detail:   change.Detail,
			At:       c.engine.now(),
			Snapshot: c.state.Clone(),
		})
	}
}

func (c *coordinator) logChange(change scheduler.Change) {
	msg := fmt.Sprintf("%s: %s -> %s", change.ID, change.From, change.To)
	if change.Detail != "" {
		msg += " (" + change.Detail + ")"
	}
	switch change.To {
	case scheduler.StateFailed:
		c.book.Error("%s", msg)
		c.logger.Error("instance failed", "instance", change.ID, "detail", change.Detail)
	case scheduler.StateCancelled, scheduler.StateSkipped:
		c.book.Warn("%s", msg)
		c.logger.Info("instance "+string(change.To), "instance", change.ID, "reason", change.Reason)
	default:
		c.book.Info("%s", msg)
		c.logger.Debug("instance transition", "instance", change.ID, "to", change.To)
	}
}

func (c *coordinator) warn(msg string) {
	c.state.Warnings = append(c.state.Warnings, msg)
	c.book.Warn("%s", msg)
	c.logger.Warn(msg)
}

func (c *coordinator) persist() {
	c.state.UpdatedAt = c.engine.now()
	if err := c.engine.repo.Save(c.state); err != nil {
		c.logger.Error("persist state failed", "error", err)
		if c.saveErr == nil {
			c.saveErr = err
		}
	}
}

func (c *coordinator) suppress() (State, error) {
	for i := range c.state.Instances {
		c.state.Instances[i].State = scheduler.StateSkipped
		c.state.Instances[i].Reason = scheduler.ReasonCondition
		c.state.Instances[i].Detail = "run suppressed"
	}
	c.state.Status = RunStatusSuppressed
	c.state.StatusReason = c.plan.Trigger.Reason
	c.state.FinishedAt = c.engine.now()
	c.book.Info("run %s suppressed: %s", c.runID, c.plan.Trigger.Reason)
	c.logger.Info("run suppressed", "reason", c.plan.Trigger.Reason)
	c.persist()
	c.engine.emit(Event{Kind: EventRunFinished, RunID: c.runID, Detail: c.state.StatusReason, At: c.engine.now(), Snapshot: c.state.Clone()})
	return c.state.Clone(), c.saveErr
}

func (c *coordinator) complete() (State, error) {
	agg := c.board.Aggregate()
	c.state.Status = statusFromAggregate(agg)
	if c.state.Status == RunStatusFailed {
		var parts []string
		if len(agg.Failed) > 0 {
			parts = append(parts, "failed: "+strings.Join(agg.Failed, ", "))
		}
		if len(agg.Blocked) > 0 {
			parts = append(parts, "never ran: "+strings.Join(agg.Blocked, ", "))
		}
		c.state.StatusReason = strings.Join(parts, "; ")
	}
	c.state.FinishedAt = c.engine.now()
	c.book.Info("run %s finished: %s", c.runID, c.state.Status)
	c.logger.Info("run finished", "status", c.state.Status,
		"succeeded", agg.Counts[scheduler.StateSucceeded],
		"failed", agg.Counts[scheduler.StateFailed],
		"skipped", agg.Counts[scheduler.StateSkipped],
		"cancelled", agg.Counts[scheduler.StateCancelled],
	)
	c.persist()
	c.engine.emit(Event{Kind: EventRunFinished, RunID: c.runID, Detail: c.state.StatusReason, At: c.engine.now(), Snapshot: c.state.Clone()})
	return c.state.Clone(), c.saveErr
}
