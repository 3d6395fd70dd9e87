package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kingrea/lattice-ci/internal/logbook"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

// ErrRunNotActive is returned when cancelling a run that already finished.
var ErrRunNotActive = errors.New("server: run is not active")

// Executor plans and runs pipelines. *engine.Engine satisfies it.
type Executor interface {
	Plan(def workflow.Definition, rc workflow.RunContext) (*engine.Plan, error)
	Execute(ctx context.Context, plan *engine.Plan, req engine.RunRequest) (engine.State, error)
}

// Submission is one pipeline run request.
type Submission struct {
	Definition  workflow.Definition
	Event       workflow.Event
	Vars        map[string]string
	MaxParallel int
}

// Accepted describes a run that passed planning.
type Accepted struct {
	RunID      string `json:"run_id"`
	Pipeline   string `json:"pipeline"`
	Suppressed bool   `json:"suppressed"`
	Instances  int    `json:"instances"`
}

// RunsOption customizes Runs construction.
type RunsOption func(*Runs)

// RunsWithSecrets sets the secrets every submitted run receives.
func RunsWithSecrets(secrets map[string]string) RunsOption {
	return func(r *Runs) {
		r.secrets = secrets
	}
}

// RunsWithLogger overrides the discard logger.
func RunsWithLogger(logger *slog.Logger) RunsOption {
	return func(r *Runs) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RunsWithClock controls the started-at stamp of not-yet-persisted runs.
func RunsWithClock(clock func() time.Time) RunsOption {
	return func(r *Runs) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// RunsWithFinishedLimit bounds how many finished runs keep their in-memory
// result. Older runs are still served from the state store.
func RunsWithFinishedLimit(n int) RunsOption {
	return func(r *Runs) {
		if n > 0 {
			r.doneLimit = n
		}
	}
}

// Runs tracks pipeline runs started through the API. Planning happens in
// Submit so definition errors reach the caller; execution happens in the
// background under a context Close cancels.
type Runs struct {
	exec    Executor
	store   engine.StateStore
	layout  *workflow.Layout
	secrets map[string]string
	logger  *slog.Logger
	clock   func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*activeRun
	done   map[string]*activeRun
	// doneOrder lists finished run ids oldest first for eviction.
	doneOrder []string
	doneLimit int
}

type activeRun struct {
	cancel   context.CancelFunc
	finished chan struct{}
	pending  engine.State
	state    engine.State
	err      error
}

// NewRuns builds a run tracker. layout locates run logbooks.
func NewRuns(exec Executor, store engine.StateStore, layout *workflow.Layout, opts ...RunsOption) *Runs {
	ctx, stop := context.WithCancel(context.Background())
	r := &Runs{
		exec:   exec,
		store:  store,
		layout: layout,
		logger: slog.New(slog.DiscardHandler),
		clock:  time.Now,
		ctx:    ctx,
		stop:   stop,
		active: map[string]*activeRun{},
		done:   map[string]*activeRun{},

		doneLimit: defaultTrackedRuns,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Submit plans the pipeline and starts it in the background. A
// *workflow.ConfigError means nothing was started.
func (r *Runs) Submit(sub Submission) (Accepted, error) {
	rc := workflow.NewRunContext(sub.Event, r.secrets, sub.Vars)
	plan, err := r.exec.Plan(sub.Definition, rc)
	if err != nil {
		return Accepted{}, err
	}
	runID := engine.NewRunID(plan.Definition.Name)
	ctx, cancel := context.WithCancel(r.ctx)
	run := &activeRun{
		cancel:   cancel,
		finished: make(chan struct{}),
		pending: engine.State{
			RunID:     runID,
			Pipeline:  plan.Definition.Name,
			Event:     sub.Event.Clone(),
			Status:    engine.RunStatusRunning,
			StartedAt: r.clock(),
		},
	}
	r.mu.Lock()
	if err := r.ctx.Err(); err != nil {
		r.mu.Unlock()
		cancel()
		return Accepted{}, fmt.Errorf("server: runs closed: %w", err)
	}
	r.active[runID] = run
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()
		state, err := r.exec.Execute(ctx, plan, engine.RunRequest{
			Definition:  plan.Definition,
			Context:     rc,
			RunID:       runID,
			MaxParallel: sub.MaxParallel,
		})
		if err != nil {
			r.logger.Error("run aborted", "run", runID, "error", err)
		} else {
			r.logger.Info("run finished", "run", runID, "status", state.Status)
		}
		r.mu.Lock()
		run.state, run.err = state, err
		delete(r.active, runID)
		r.retire(runID, run)
		r.mu.Unlock()
		close(run.finished)
	}()
	r.logger.Info("run accepted", "run", runID, "pipeline", plan.Definition.Name, "instances", len(plan.Instances))
	return Accepted{
		RunID:      runID,
		Pipeline:   plan.Definition.Name,
		Suppressed: plan.Suppressed(),
		Instances:  len(plan.Instances),
	}, nil
}

// retire keeps a finished run's result and evicts the oldest past the
// limit. Callers hold r.mu.
func (r *Runs) retire(runID string, run *activeRun) {
	r.done[runID] = run
	r.doneOrder = append(r.doneOrder, runID)
	for len(r.doneOrder) > r.doneLimit {
		delete(r.done, r.doneOrder[0])
		r.doneOrder = r.doneOrder[1:]
	}
}

// Cancel stops a running pipeline. It returns engine.ErrStateNotFound for
// unknown runs and ErrRunNotActive for finished ones.
func (r *Runs) Cancel(runID string) error {
	r.mu.Lock()
	run, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		run.cancel()
		return nil
	}
	if _, err := r.Get(runID); err != nil {
		return err
	}
	return ErrRunNotActive
}

// Wait blocks until a run submitted here finishes or ctx ends. Runs that are
// no longer tracked are loaded from the store.
func (r *Runs) Wait(ctx context.Context, runID string) (engine.State, error) {
	r.mu.Lock()
	run, ok := r.active[runID]
	if !ok {
		run, ok = r.done[runID]
	}
	r.mu.Unlock()
	if !ok {
		return r.store.Load(runID)
	}
	select {
	case <-run.finished:
		return run.state, run.err
	case <-ctx.Done():
		return engine.State{}, ctx.Err()
	}
}

// Get returns the latest persisted snapshot of a run. A run accepted moments
// ago may not be persisted yet; its placeholder is returned instead.
func (r *Runs) Get(runID string) (engine.State, error) {
	state, err := r.store.Load(runID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, engine.ErrStateNotFound) {
		return engine.State{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.active[runID]; ok {
		return run.pending.Clone(), nil
	}
	return engine.State{}, err
}

// List returns every persisted run, newest first.
func (r *Runs) List() ([]engine.State, error) {
	return r.store.List()
}

// Active reports whether runID is still executing.
func (r *Runs) Active(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[runID]
	return ok
}

// Logbook returns the last n logbook lines of a run and the total count.
func (r *Runs) Logbook(runID string, n int) ([]string, int, error) {
	if _, err := r.Get(runID); err != nil {
		return nil, 0, err
	}
	if r.layout == nil {
		return nil, 0, nil
	}
	lines, total := logbook.TailFile(r.layout.LogbookPath(runID), n)
	return lines, total, nil
}

// Close cancels every active run and waits for them to wind down.
func (r *Runs) Close(ctx context.Context) error {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
