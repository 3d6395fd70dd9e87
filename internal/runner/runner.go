// Package runner executes the steps of one job instance.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/logging"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/condition"
)

// DefaultShell runs `run` steps when neither the step nor the runner names one.
const DefaultShell = "sh"

// OutputEnv names the file steps append outputs to.
const OutputEnv = "LATTICE_OUTPUT"

// Request is everything needed to run one instance.
type Request struct {
	RunID      string
	InstanceID string
	Job        workflow.Job
	Matrix     map[string]string
	// Actions holds the pre-resolved action for each `uses` step, keyed by
	// step index.
	Actions map[int]action.Action
	Run     workflow.RunContext
	// Env is the pipeline-level environment; job and step env layer on top.
	Env         map[string]string
	Permissions workflow.Permissions
	RunnerLabel string
	Workspace   string
	LogDir      string
}

// Runner executes steps sequentially.
type Runner struct {
	evaluator *condition.Evaluator
	shell     string
	now       func() time.Time
	stdout    io.Writer
	baseEnv   []string
	waitDelay time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithEvaluator overrides the condition evaluator.
func WithEvaluator(e *condition.Evaluator) Option {
	return func(r *Runner) {
		if e != nil {
			r.evaluator = e
		}
	}
}

// WithShell sets the default shell for `run` steps.
func WithShell(shell string) Option {
	return func(r *Runner) {
		if strings.TrimSpace(shell) != "" {
			r.shell = shell
		}
	}
}

// WithClock overrides step timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithStdout mirrors masked step output to w in addition to the step log.
func WithStdout(w io.Writer) Option {
	return func(r *Runner) {
		r.stdout = w
	}
}

// WithBaseEnv replaces the process environment inherited by `run` steps.
func WithBaseEnv(env []string) Option {
	return func(r *Runner) {
		r.baseEnv = append([]string(nil), env...)
	}
}

// New builds a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		evaluator: condition.New(),
		shell:     DefaultShell,
		now:       time.Now,
		baseEnv:   os.Environ(),
		waitDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// execution carries per-instance state through the step loop.
type execution struct {
	req    Request
	scope  condition.Scope
	env    map[string]string
	masker *logging.Masker
	logger *slog.Logger
	result InstanceResult
}

// Run executes req's steps in order. It never returns an error: failures are
// reported through the InstanceResult.
func (r *Runner) Run(ctx context.Context, req Request) InstanceResult {
	logger := logging.FromContext(ctx).With("instance", req.InstanceID)
	ex := &execution{
		req:    req,
		masker: logging.NewMasker(req.Run.SecretValues()),
		logger: logger,
		result: InstanceResult{Conclusion: ConclusionSucceeded},
	}
	ex.scope = condition.NewScope(req.Run)
	ex.scope.Matrix = cloneMap(req.Matrix)
	ex.scope.Runner = req.RunnerLabel
	ex.scope.Steps = map[string]condition.StepState{}
	ex.env = mergeEnv(req.Env, req.Job.Env)
	ex.scope.Env = r.interpolateMap(ex, ex.env)
	ex.env = ex.scope.Env

	if req.LogDir != "" {
		if err := os.MkdirAll(req.LogDir, 0o755); err != nil {
			logger.Warn("cannot create step log directory", "dir", req.LogDir, "error", err)
		}
	}

	stopped := false
	for idx, step := range req.Job.Steps {
		res := StepResult{Index: idx, ID: step.ID, Name: step.DisplayName()}
		switch {
		case stopped:
			res.Outcome, res.Conclusion = OutcomeSkipped, OutcomeSkipped
		case ctx.Err() != nil:
			res.Outcome, res.Conclusion = OutcomeSkipped, OutcomeSkipped
			ex.markCancelled()
			stopped = true
		default:
			res = r.runStep(ctx, ex, idx, step, res)
			switch {
			case res.Outcome == OutcomeCancelled:
				ex.markCancelled()
				stopped = true
			case res.Outcome == OutcomeFailure && res.Conclusion == OutcomeFailure:
				ex.result.Conclusion = ConclusionFailed
				ex.scope.Status.Failed = true
				stopped = true
			case res.Outcome == OutcomeFailure:
				ex.scope.Status.Failed = true
			}
		}
		if step.ID != "" {
			ex.scope.Steps[step.ID] = condition.StepState{
				Outputs:    cloneMap(res.Outputs),
				Outcome:    string(res.Outcome),
				Conclusion: string(res.Conclusion),
			}
		}
		ex.result.Steps = append(ex.result.Steps, res)
	}
	return ex.result
}

func (ex *execution) markCancelled() {
	ex.scope.Status.Cancelled = true
	if ex.result.Conclusion == ConclusionSucceeded {
		ex.result.Conclusion = ConclusionCancelled
	}
}

func (ex *execution) warn(msg string, args ...any) {
	ex.logger.Warn(msg, args...)
	parts := []string{msg}
	for i := 0; i+1 < len(args); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%v", args[i], args[i+1]))
	}
	ex.result.Warnings = append(ex.result.Warnings, ex.masker.Mask(strings.Join(parts, " ")))
}

func (r *Runner) runStep(ctx context.Context, ex *execution, idx int, step workflow.Step, res StepResult) StepResult {
	ok, err := r.evaluator.Evaluate(step.If, ex.scope)
	if err != nil {
		ex.warn("step condition could not be evaluated", "step", res.Name, "error", err)
	}
	if !ok {
		res.Outcome, res.Conclusion = OutcomeSkipped, OutcomeSkipped
		return res
	}

	stepCtx := ctx
	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	logFile, logPath := r.openLog(ex, idx, res.Name)
	res.LogPath = logPath
	sinks := []io.Writer{}
	if logFile != nil {
		defer logFile.Close()
		sinks = append(sinks, logFile)
	}
	if r.stdout != nil {
		sinks = append(sinks, r.stdout)
	}
	out := ex.masker.Writer(io.MultiWriter(sinks...))
	defer out.Flush()

	res.StartedAt = r.now().UTC()
	ex.logger.Info("step started", "step", res.Name, "index", idx)
	var outputs map[string]string
	if step.Uses != "" {
		outputs, err = r.runAction(stepCtx, ex, idx, step, out)
	} else {
		outputs, err = r.runCommand(stepCtx, ex, idx, step, out)
	}
	res.FinishedAt = r.now().UTC()
	res.Outputs = outputs
	res.Outcome, res.Conclusion = OutcomeSuccess, OutcomeSuccess

	if err == nil {
		ex.logger.Info("step succeeded", "step", res.Name, "duration", res.FinishedAt.Sub(res.StartedAt))
		return res
	}
	res.Error = ex.masker.Mask(err.Error())
	if ctx.Err() != nil {
		res.Outcome, res.Conclusion = OutcomeCancelled, OutcomeCancelled
		ex.logger.Warn("step cancelled", "step", res.Name)
		return res
	}
	var extErr *action.ExternalServiceError
	switch {
	case errors.As(err, &extErr):
		res.Outcome, res.Conclusion = OutcomeFailure, OutcomeSuccess
		res.BestEffort = true
		ex.warn("external service failed, continuing", "step", res.Name, "service", extErr.Service, "error", err)
	case step.ContinueOnError:
		res.Outcome, res.Conclusion = OutcomeFailure, OutcomeSuccess
		ex.warn("step failed, continue-on-error set", "step", res.Name, "error", err)
	default:
		res.Outcome, res.Conclusion = OutcomeFailure, OutcomeFailure
		failure := &StepFailure{Instance: ex.req.InstanceID, Step: res.Name, Index: idx, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			failure.ExitCode = exitErr.ExitCode()
		}
		ex.result.Err = failure
		ex.logger.Error("step failed", "step", res.Name, "error", res.Error)
	}
	return res
}

func (r *Runner) runCommand(ctx context.Context, ex *execution, idx int, step workflow.Step, out io.Writer) (map[string]string, error) {
	script, err := r.evaluator.Interpolate(step.Run, ex.scope)
	if err != nil {
		ex.warn("run script interpolation failed", "step", step.DisplayName(), "error", err)
	}
	shell := strings.Fields(step.Shell)
	if len(shell) == 0 {
		shell = strings.Fields(r.shell)
	}
	outputFile, err := r.outputFile(ex, idx)
	if err != nil {
		return nil, err
	}
	defer os.Remove(outputFile)

	args := make([]string, 0, len(shell)+1)
	args = append(args, shell[1:]...)
	args = append(args, "-c", script)
	cmd := exec.CommandContext(ctx, shell[0], args...)
	cmd.Dir = r.workingDir(ex, step)
	cmd.Env = r.commandEnv(ex, step, idx, outputFile)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.waitDelay
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %d minute(s): %w", step.TimeoutMinutes, err)
		}
		return nil, err
	}
	outputs, err := parseOutputFile(outputFile)
	if err != nil {
		return nil, fmt.Errorf("read step outputs: %w", err)
	}
	return outputs, nil
}

func (r *Runner) runAction(ctx context.Context, ex *execution, idx int, step workflow.Step, out io.Writer) (map[string]string, error) {
	act, ok := ex.req.Actions[idx]
	if !ok || act == nil {
		return nil, fmt.Errorf("action %s was not resolved", step.Uses)
	}
	with := r.interpolateMap(ex, step.With)
	inputs := act.Info().WithDefaults(action.Inputs(with))
	actx := &action.Context{
		RunID:       ex.req.RunID,
		JobID:       ex.req.Job.ID,
		InstanceID:  ex.req.InstanceID,
		StepID:      step.ID,
		Workspace:   ex.req.Workspace,
		Env:         mergeEnv(ex.env, r.interpolateMap(ex, step.Env)),
		Matrix:      cloneMap(ex.req.Matrix),
		Permissions: ex.req.Permissions,
		Run:         ex.req.Run,
		Logger:      ex.logger.With("step", step.DisplayName(), "action", act.Info().Ref()),
		Output:      out,
	}
	outputs, err := act.Execute(ctx, actx, inputs)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return nil, fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, err
	}
	return map[string]string(outputs), nil
}

func (r *Runner) interpolateMap(ex *execution, in map[string]string) map[string]string {
	out, err := r.evaluator.InterpolateMap(in, ex.scope)
	if err != nil {
		ex.warn("interpolation failed", "error", err)
	}
	return out
}

func (r *Runner) commandEnv(ex *execution, step workflow.Step, idx int, outputFile string) []string {
	merged := map[string]string{}
	for _, kv := range r.baseEnv {
		if key, value, ok := strings.Cut(kv, "="); ok {
			merged[key] = value
		}
	}
	for key, value := range ex.env {
		merged[key] = value
	}
	for key, value := range r.interpolateMap(ex, step.Env) {
		merged[key] = value
	}
	evt := ex.req.Run.Event()
	lattice := map[string]string{
		"CI":                   "true",
		"LATTICE_RUN_ID":       ex.req.RunID,
		"LATTICE_JOB":          ex.req.Job.ID,
		"LATTICE_INSTANCE":     ex.req.InstanceID,
		"LATTICE_STEP":         fmt.Sprintf("%d", idx+1),
		"LATTICE_WORKSPACE":    ex.req.Workspace,
		"LATTICE_EVENT_NAME":   evt.Name,
		"LATTICE_REF":          evt.Ref,
		"LATTICE_REF_NAME":     evt.RefName(),
		"LATTICE_SHA":          evt.SHA,
		"LATTICE_REPOSITORY":   evt.Repository,
		"LATTICE_ACTOR":        evt.Actor,
		"LATTICE_RUNNER_LABEL": ex.req.RunnerLabel,
		OutputEnv:              outputFile,
	}
	for key, value := range ex.req.Matrix {
		lattice["LATTICE_MATRIX_"+envKey(key)] = value
	}
	for key, value := range lattice {
		merged[key] = value
	}
	env := make([]string, 0, len(merged))
	for key, value := range merged {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)
	return env
}

func (r *Runner) workingDir(ex *execution, step workflow.Step) string {
	dir := strings.TrimSpace(step.WorkingDirectory)
	if dir == "" {
		return ex.req.Workspace
	}
	if filepath.IsAbs(dir) || ex.req.Workspace == "" {
		return dir
	}
	return filepath.Join(ex.req.Workspace, dir)
}

func (r *Runner) openLog(ex *execution, idx int, name string) (*os.File, string) {
	if ex.req.LogDir == "" {
		return nil, ""
	}
	path := filepath.Join(ex.req.LogDir, fmt.Sprintf("%02d-%s.log", idx+1, workflow.SanitizeName(name)))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		ex.logger.Warn("cannot open step log", "path", path, "error", err)
		return nil, ""
	}
	return file, path
}

func (r *Runner) outputFile(ex *execution, idx int) (string, error) {
	dir := ex.req.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	file, err := os.CreateTemp(dir, fmt.Sprintf("step-%02d-outputs-*", idx+1))
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	name := file.Name()
	return name, file.Close()
}

func envKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func mergeEnv(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, layer := range layers {
		for key, value := range layer {
			out[key] = value
		}
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
