package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/action/builtin"
	"github.com/kingrea/lattice-ci/internal/runner"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

type blockingAction struct {
	started chan<- struct{}
}

func (b *blockingAction) Info() action.Info {
	return action.Info{Name: "block", Version: "v1"}
}

func (b *blockingAction) Execute(ctx context.Context, _ *action.Context, _ action.Inputs) (action.Outputs, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

type engineHarness struct {
	engine    *Engine
	repo      *MemoryStore
	layout    *workflow.Layout
	workspace string
	started   chan struct{}

	mu     sync.Mutex
	events []Event
}

func newEngineHarness(t *testing.T, opts ...Option) *engineHarness {
	t.Helper()
	h := &engineHarness{
		repo:      NewMemoryStore(),
		layout:    workflow.NewLayout(filepath.Join(t.TempDir(), ".latticeci")),
		workspace: t.TempDir(),
		started:   make(chan struct{}, 8),
	}
	reg := action.NewRegistry()
	if err := builtin.Register(reg, builtin.Services{}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	started := h.started
	reg.MustRegister("block", action.VersionOneOf(func() action.Action { return &blockingAction{started: started} }, "v1"))
	base := []Option{
		WithLayout(h.layout),
		WithWorkspace(h.workspace),
		WithObserver(func(evt Event) {
			h.mu.Lock()
			h.events = append(h.events, evt)
			h.mu.Unlock()
		}),
	}
	eng, err := New(reg, h.repo, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = eng
	return h
}

func (h *engineHarness) run(t *testing.T, ctx context.Context, src string, evt workflow.Event) State {
	t.Helper()
	def := mustParse(t, src)
	state, err := h.engine.Run(ctx, RunRequest{
		Definition: def,
		Context:    workflow.NewRunContext(evt, map[string]string{"TOKEN": "s3cret"}, nil),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return state
}

func mustParse(t *testing.T, src string) workflow.Definition {
	t.Helper()
	def, err := workflow.ParseDefinitionYAML([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return def
}

func pushEvent() workflow.Event {
	return workflow.Event{Name: workflow.EventPush, Ref: "refs/heads/master", SHA: "abc123", Repository: "acme/widget"}
}

func mustInstance(t *testing.T, state State, id string) InstanceStatus {
	t.Helper()
	inst, ok := state.Instance(id)
	if !ok {
		t.Fatalf("instance %q missing from %+v", id, state.Instances)
	}
	return inst
}

func TestEngineRunPersistsStateAndSucceeds(t *testing.T) {
	h := newEngineHarness(t)
	state := h.run(t, context.Background(), `
name: ci
jobs:
  build:
    steps:
      - id: meta
        run: echo "version=1.0" >> "$LATTICE_OUTPUT"
      - run: echo "${{ secrets.TOKEN }}"
  test:
    needs: build
    steps:
      - run: "true"
`, pushEvent())

	if state.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", state.Status, state.StatusReason)
	}
	build := mustInstance(t, state, "build")
	if len(build.Steps) != 2 || build.Steps[0].Outputs["version"] != "1.0" {
		t.Fatalf("unexpected build steps: %+v", build.Steps)
	}
	stored, err := h.repo.Load(state.RunID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != RunStatusSucceeded || len(stored.Instances) != 2 {
		t.Fatalf("persisted state mismatch: %+v", stored)
	}
	data, err := os.ReadFile(h.layout.LogbookPath(state.RunID))
	if err != nil {
		t.Fatalf("read logbook: %v", err)
	}
	if !strings.Contains(string(data), "build: running -> succeeded") {
		t.Fatalf("logbook missing transition:\n%s", data)
	}
	logData, err := os.ReadFile(build.Steps[1].LogPath)
	if err != nil {
		t.Fatalf("read step log: %v", err)
	}
	if strings.Contains(string(logData), "s3cret") {
		t.Fatalf("secret leaked into step log: %q", logData)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if first, last := h.events[0], h.events[len(h.events)-1]; first.Kind != EventRunStarted || last.Kind != EventRunFinished {
		t.Fatalf("unexpected event bracket: %s .. %s", first.Kind, last.Kind)
	}
}

func TestEngineFailureCascadesSkips(t *testing.T) {
	h := newEngineHarness(t)
	state := h.run(t, context.Background(), `
jobs:
  build:
    steps:
      - run: exit 2
  test:
    needs: build
    steps:
      - run: "true"
  deploy:
    needs: [test]
    steps:
      - run: "true"
  lint:
    steps:
      - run: "true"
`, pushEvent())

	if state.Status != RunStatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if build := mustInstance(t, state, "build"); build.State != scheduler.StateFailed || !strings.Contains(build.Error, "exited with code 2") {
		t.Fatalf("unexpected build status: %+v", build)
	}
	for _, id := range []string{"test", "deploy"} {
		inst := mustInstance(t, state, id)
		if inst.State != scheduler.StateSkipped || inst.Reason != scheduler.ReasonDependency {
			t.Fatalf("%s: expected dependency skip, got %s/%s", id, inst.State, inst.Reason)
		}
		if len(inst.Steps) != 0 {
			t.Fatalf("%s: skipped instance must not run steps", id)
		}
	}
	if lint := mustInstance(t, state, "lint"); lint.State != scheduler.StateSucceeded {
		t.Fatalf("independent job should still succeed, got %s", lint.State)
	}
}

const matrixPipeline = `
jobs:
  test:
    runs-on: ${{ matrix.os }}-runner
    strategy:
      fail-fast: %s
      max-parallel: 1
      matrix:
        os: [a, b, c]
    steps:
      - run: test "$LATTICE_MATRIX_OS" != a && test "$LATTICE_RUNNER_LABEL" = "$LATTICE_MATRIX_OS-runner"
`

func TestEngineFailFastCancelsSiblings(t *testing.T) {
	h := newEngineHarness(t)
	state := h.run(t, context.Background(), strings.Replace(matrixPipeline, "%s", "true", 1), pushEvent())
	if state.Status != RunStatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if a := mustInstance(t, state, "test (a)"); a.State != scheduler.StateFailed || a.RunsOn != "a-runner" {
		t.Fatalf("unexpected first leg: %+v", a)
	}
	for _, id := range []string{"test (b)", "test (c)"} {
		inst := mustInstance(t, state, id)
		if inst.State != scheduler.StateCancelled || inst.Reason != scheduler.ReasonFailFast {
			t.Fatalf("%s: expected fail-fast cancel, got %s/%s", id, inst.State, inst.Reason)
		}
	}
}

func TestEngineWithoutFailFastRunsEveryLeg(t *testing.T) {
	h := newEngineHarness(t)
	state := h.run(t, context.Background(), strings.Replace(matrixPipeline, "%s", "false", 1), pushEvent())
	counts := state.Counts()
	if counts[scheduler.StateFailed] != 1 || counts[scheduler.StateSucceeded] != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if b := mustInstance(t, state, "test (b)"); b.RunsOn != "b-runner" {
		t.Fatalf("runs-on not interpolated: %q", b.RunsOn)
	}
}

// Workers run while the coordinator claims later batches, so the runs-on
// label each worker sees must travel with its claim. Run under -race.
func TestEngineRunsOnLabelsWithConcurrentClaims(t *testing.T) {
	const src = `
jobs:
  a:
    runs-on: a-${{ matrix.leg }}
    strategy:
      matrix:
        leg: [one, two]
    steps:
      - run: test "$LATTICE_RUNNER_LABEL" = "a-$LATTICE_MATRIX_LEG"
  b:
    runs-on: b-host
    steps:
      - run: sleep 0.05
  c:
    needs: a
    runs-on: c-${{ matrix.leg }}
    strategy:
      matrix:
        leg: [x, y, z]
    steps:
      - run: test "$LATTICE_RUNNER_LABEL" = "c-$LATTICE_MATRIX_LEG"
`
	for round := range 5 {
		h := newEngineHarness(t, WithLogger(slog.New(slog.DiscardHandler)))
		state := h.run(t, context.Background(), src, pushEvent())
		if state.Status != RunStatusSucceeded {
			t.Fatalf("round %d: expected succeeded, got %s (%s)", round, state.Status, state.StatusReason)
		}
		want := map[string]string{
			"a (one)": "a-one", "a (two)": "a-two", "b": "b-host",
			"c (x)": "c-x", "c (y)": "c-y", "c (z)": "c-z",
		}
		for id, label := range want {
			if inst := mustInstance(t, state, id); inst.RunsOn != label {
				t.Fatalf("round %d: %s ran on %q, want %q", round, id, inst.RunsOn, label)
			}
		}
	}
}

func TestEngineJobConditionSkipsInstance(t *testing.T) {
	h := newEngineHarness(t)
	state := h.run(t, context.Background(), `
jobs:
  pr-only:
    if: github.event_name == 'pull_request'
    steps:
      - run: exit 1
  after:
    needs: pr-only
    steps:
      - run: exit 1
  windows:
    if: matrix.os == 'windows'
    strategy:
      matrix:
        os: [linux, windows]
    steps:
      - run: "true"
  broken:
    if: "matrix.os ==="
    steps:
      - run: exit 1
`, pushEvent())

	if state.Status != RunStatusSucceeded {
		t.Fatalf("skips are neutral, got %s (%s)", state.Status, state.StatusReason)
	}
	if inst := mustInstance(t, state, "pr-only"); inst.State != scheduler.StateSkipped || inst.Reason != scheduler.ReasonCondition {
		t.Fatalf("unexpected pr-only: %+v", inst)
	}
	if inst := mustInstance(t, state, "after"); inst.Reason != scheduler.ReasonDependency {
		t.Fatalf("unexpected after: %+v", inst)
	}
	if inst := mustInstance(t, state, "windows (linux)"); inst.State != scheduler.StateSkipped {
		t.Fatalf("linux leg should be skipped, got %s", inst.State)
	}
	if inst := mustInstance(t, state, "windows (windows)"); inst.State != scheduler.StateSucceeded {
		t.Fatalf("windows leg should run, got %s", inst.State)
	}
	if inst := mustInstance(t, state, "broken"); inst.State != scheduler.StateSkipped {
		t.Fatalf("malformed guard should skip, got %s", inst.State)
	}
	if len(state.Warnings) == 0 {
		t.Fatalf("expected a warning for the malformed guard")
	}
}

func TestEngineBestEffortJobDoesNotFailRun(t *testing.T) {
	h := newEngineHarness(t)
	state := h.run(t, context.Background(), `
jobs:
  installer:
    continue-on-error: true
    steps:
      - run: exit 1
  build:
    steps:
      - run: "true"
`, pushEvent())
	if state.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", state.Status)
	}
	if inst := mustInstance(t, state, "installer"); inst.State != scheduler.StateFailed || !inst.BestEffort {
		t.Fatalf("unexpected installer: %+v", inst)
	}
	found := false
	for _, w := range state.Warnings {
		if strings.Contains(w, "best-effort") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected best-effort warning in %v", state.Warnings)
	}
}

func TestEngineBestEffortFailureBlockingDependentFailsRun(t *testing.T) {
	h := newEngineHarness(t)
	state := h.run(t, context.Background(), `
jobs:
  installer:
    continue-on-error: true
    steps:
      - run: exit 1
  release:
    needs: installer
    steps:
      - run: touch released.txt
`, pushEvent())
	release := mustInstance(t, state, "release")
	if release.State != scheduler.StateSkipped || release.Reason != scheduler.ReasonDependency {
		t.Fatalf("unexpected release: %+v", release)
	}
	if state.Status != RunStatusFailed {
		t.Fatalf("release never ran, expected failed, got %s", state.Status)
	}
	if !strings.Contains(state.StatusReason, "never ran: release") {
		t.Fatalf("status reason should name the blocked job: %q", state.StatusReason)
	}
	if _, err := os.Stat(filepath.Join(h.workspace, "released.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("release steps must not run")
	}
}

func TestEngineSuppressesIgnoredPaths(t *testing.T) {
	h := newEngineHarness(t)
	evt := pushEvent()
	evt.ChangedPaths = []string{"docs/install.md", "README.md"}
	state := h.run(t, context.Background(), `
on:
  push:
    paths-ignore: ["docs/**", "*.md"]
jobs:
  build:
    steps:
      - run: touch ran.txt
`, evt)
	if state.Status != RunStatusSuppressed {
		t.Fatalf("expected suppressed, got %s", state.Status)
	}
	if _, err := os.Stat(filepath.Join(h.workspace, "ran.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("suppressed run must not execute steps")
	}

	evt.ChangedPaths = append(evt.ChangedPaths, "src/main.go")
	state = h.run(t, context.Background(), `
on:
  push:
    paths-ignore: ["docs/**", "*.md"]
jobs:
  build:
    steps:
      - run: touch ran.txt
`, evt)
	if state.Status != RunStatusSucceeded {
		t.Fatalf("expected a real run, got %s", state.Status)
	}
}

func TestEnginePlanRejectsBrokenPipelines(t *testing.T) {
	h := newEngineHarness(t)
	rc := workflow.NewRunContext(pushEvent(), nil, nil)
	cases := map[string]struct {
		src  string
		kind error
	}{
		"unknown action": {src: "jobs:\n  a:\n    steps:\n      - uses: nope@v1\n", kind: workflow.ErrUnknownAction},
		"unknown version": {src: "jobs:\n  a:\n    steps:\n      - uses: echo@v9\n", kind: workflow.ErrUnknownAction},
		"unknown input": {src: "jobs:\n  a:\n    steps:\n      - uses: echo@v1\n        with: {bogus: x}\n", kind: workflow.ErrInvalidDefinition},
		"cycle": {src: "jobs:\n  a:\n    needs: b\n    steps: [{run: 'true'}]\n  b:\n    needs: a\n    steps: [{run: 'true'}]\n", kind: workflow.ErrCyclicDependency},
		"unknown dependency": {src: "jobs:\n  a:\n    needs: ghost\n    steps: [{run: 'true'}]\n", kind: workflow.ErrUnknownDependency},
	}
	for name, tc := range cases {
		_, err := h.engine.Plan(mustParse(t, tc.src), rc)
		if !errors.Is(err, tc.kind) || !workflow.IsConfigError(err) {
			t.Fatalf("%s: expected %v config error, got %v", name, tc.kind, err)
		}
	}
	states, err := h.repo.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("planning must not persist runs, found %d", len(states))
	}
}

func TestEnginePlanExpandsInstances(t *testing.T) {
	h := newEngineHarness(t)
	plan, err := h.engine.Plan(mustParse(t, `
jobs:
  test:
    strategy:
      matrix:
        os: [linux, windows]
        exclude:
          - {os: linux}
        include:
          - {os: windows, release: true}
          - {os: mac}
    steps:
      - uses: echo@v1
        with: {message: hi}
`), workflow.NewRunContext(pushEvent(), nil, nil))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var ids []string
	for _, inst := range plan.Instances {
		ids = append(ids, inst.ID)
	}
	if release, _ := plan.Instances[0].Matrix.Get("release"); release != "true" {
		t.Fatalf("include extras should merge into the windows leg, got %q", release)
	}
	if strings.Join(ids, "|") != "test (windows)|test (mac)" {
		t.Fatalf("unexpected instances: %v", ids)
	}
	if len(plan.Actions("test")) != 1 {
		t.Fatalf("expected resolved echo action")
	}
}

func TestEngineCancellationStopsRun(t *testing.T) {
	h := newEngineHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.started
		cancel()
	}()
	def := mustParse(t, `
jobs:
  slow:
    steps:
      - uses: block@v1
  later:
    needs: slow
    steps:
      - run: "true"
`)
	type outcome struct {
		state State
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		state, err := h.engine.Run(ctx, RunRequest{Definition: def, Context: workflow.NewRunContext(pushEvent(), nil, nil)})
		done <- outcome{state, err}
	}()
	var state State
	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("run: %v", out.err)
		}
		state = out.state
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop after cancellation")
	}
	if state.Status != RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", state.Status)
	}
	if inst := mustInstance(t, state, "slow"); inst.State != scheduler.StateCancelled {
		t.Fatalf("running instance should be cancelled, got %s", inst.State)
	}
	if inst := mustInstance(t, state, "later"); inst.State != scheduler.StateCancelled {
		t.Fatalf("pending instance should be cancelled, got %s", inst.State)
	}
}

func TestEngineMaxParallelBoundsRunningInstances(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	h := newEngineHarness(t, WithMaxParallel(2), WithObserver(func(evt Event) {
		if evt.Kind != EventInstance {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case evt.To == scheduler.StateRunning:
			running++
			if running > peak {
				peak = running
			}
		case evt.From == scheduler.StateRunning:
			running--
		}
	}))
	state := h.run(t, context.Background(), `
jobs:
  fan:
    strategy:
      matrix:
        n: [1, 2, 3, 4, 5]
    steps:
      - run: sleep 0.05
`, pushEvent())
	if state.Status != RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", state.Status)
	}
	if peak > 2 || peak == 0 {
		t.Fatalf("expected at most 2 concurrent instances, saw %d", peak)
	}
}

func TestInstanceOutcomeTreatsJobTimeoutAsFailure(t *testing.T) {
	res := finished{id: "build", result: runner.InstanceResult{Conclusion: runner.ConclusionCancelled}, timedOut: true}
	if state, detail := instanceOutcome(res); state != scheduler.StateFailed || detail != "job timed out" {
		t.Fatalf("unexpected outcome %s %q", state, detail)
	}
	res.timedOut = false
	if state, _ := instanceOutcome(res); state != scheduler.StateCancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	layout := workflow.NewLayout(filepath.Join(t.TempDir(), ".latticeci"))
	repo := NewRepository(layout)
	if _, err := repo.Load("missing"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
	older := State{RunID: "ci-1", Pipeline: "ci", Status: RunStatusSucceeded, StartedAt: time.Unix(100, 0).UTC()}
	newer := State{RunID: "ci-2", Pipeline: "ci", Status: RunStatusRunning, StartedAt: time.Unix(200, 0).UTC(),
		Instances: []InstanceStatus{{ID: "build (linux)", JobID: "build", State: scheduler.StateRunning}}}
	for _, s := range []State{older, newer} {
		if err := repo.Save(s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	loaded, err := repo.Load("ci-2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Instances[0].ID != "build (linux)" {
		t.Fatalf("unexpected instances: %+v", loaded.Instances)
	}
	states, err := repo.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 2 || states[0].RunID != "ci-2" {
		t.Fatalf("expected newest first, got %+v", states)
	}
}
