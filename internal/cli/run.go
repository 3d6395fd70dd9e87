package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/kingrea/lattice-ci/internal/logbook"
	"github.com/kingrea/lattice-ci/internal/server"
	"github.com/kingrea/lattice-ci/internal/tui"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

// eventFlags describe the triggering event.
type eventFlags struct {
	name       string
	ref        string
	baseRef    string
	headRef    string
	repository string
	sha        string
	actor      string
	changed    listFlag
}

func (e eventFlags) event() workflow.Event {
	name := strings.TrimSpace(e.name)
	if name == "" {
		name = workflow.EventPush
	}
	return workflow.Event{
		Name:         name,
		Ref:          e.ref,
		BaseRef:      e.baseRef,
		HeadRef:      e.headRef,
		Repository:   e.repository,
		SHA:          e.sha,
		Actor:        e.actor,
		ChangedPaths: append([]string(nil), e.changed...),
	}
}

type runOptions struct {
	common      commonFlags
	event       eventFlags
	maxParallel int
	watch       string
	secrets     listFlag
	vars        keyValueFlag
	pipeline    string
}

func parseRunFlags(name string, streams Streams, args []string, withExec bool) (*runOptions, bool, error) {
	opts := &runOptions{}
	set := newFlagSet(name, "<pipeline>", streams.Err)
	opts.common.register(set)
	set.StringVar(&opts.event.name, "event", workflow.EventPush, "triggering event name")
	set.StringVar(&opts.event.ref, "ref", "", "git ref of the event, e.g. refs/heads/master")
	set.StringVar(&opts.event.baseRef, "base-ref", "", "pull request base branch")
	set.StringVar(&opts.event.headRef, "head-ref", "", "pull request head branch")
	set.StringVar(&opts.event.repository, "repo", "", "repository slug, e.g. owner/name")
	set.StringVar(&opts.event.sha, "sha", "", "commit sha")
	set.StringVar(&opts.event.actor, "actor", "", "user that triggered the event")
	set.Var(&opts.event.changed, "changed", "changed paths (repeatable or comma separated)")
	set.Var(&opts.vars, "var", "run variable key=value (repeatable)")
	if withExec {
		set.IntVar(&opts.maxParallel, "max-parallel", 0, "global limit on concurrently running instances (0 uses config)")
		set.StringVar(&opts.watch, "watch", "auto", "live progress view: auto, always or never")
		set.Var(&opts.secrets, "secret", "environment variable exposed as a secret (repeatable)")
	}
	help, err := parseFlags(set, args)
	if help || err != nil {
		return nil, help, err
	}
	if set.NArg() != 1 {
		set.Usage()
		return nil, false, usageError("expected exactly one pipeline argument")
	}
	if opts.maxParallel < 0 {
		return nil, false, usageError("max-parallel must be >= 0")
	}
	switch opts.watch {
	case "auto", "always", "never":
	default:
		return nil, false, usageError("watch must be auto, always or never")
	}
	opts.pipeline = set.Arg(0)
	return opts, false, nil
}

// secretsFor merges configured secrets with --secret names read from the
// environment.
func secretsFor(rt *runtime, names []string) (map[string]string, error) {
	secrets := rt.cfg.Secrets()
	for _, name := range names {
		value, ok := os.LookupEnv(name)
		if !ok {
			return nil, usageError("secret %s is not set in the environment", name)
		}
		secrets[name] = value
	}
	return secrets, nil
}

func wantWatch(mode string, out io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runCommand(ctx context.Context, streams Streams, args []string) error {
	opts, help, err := parseRunFlags("run", streams, args, true)
	if help || err != nil {
		return err
	}
	watch := wantWatch(opts.watch, streams.Out)
	var console io.Writer = streams.Err
	if watch {
		console = nil
	}
	rt, err := bootstrap(opts.common, console)
	if err != nil {
		return err
	}
	defer rt.close()

	def, err := rt.loadPipeline(opts.pipeline)
	if err != nil {
		return err
	}
	secrets, err := secretsFor(rt, opts.secrets)
	if err != nil {
		return err
	}
	hub := server.NewHub()
	eng, err := rt.newEngine(engine.WithObserver(hub.Publish))
	if err != nil {
		return err
	}
	rc := workflow.NewRunContext(opts.event.event(), secrets, opts.vars)
	plan, err := eng.Plan(def, rc)
	if err != nil {
		return configExit(err)
	}
	req := engine.RunRequest{
		Definition:  plan.Definition,
		Context:     rc,
		RunID:       engine.NewRunID(plan.Definition.Name),
		MaxParallel: opts.maxParallel,
	}

	var state engine.State
	if watch {
		state, err = executeWatched(ctx, rt, eng, plan, req, hub)
	} else {
		state, err = eng.Execute(ctx, plan, req)
	}
	if err != nil {
		return err
	}
	fmt.Fprint(streams.Out, tui.RenderSummary(state))
	return exitForStatus(state)
}

// executeWatched runs the plan in the background while a bubbletea view
// follows its events.
func executeWatched(ctx context.Context, rt *runtime, eng *engine.Engine, plan *engine.Plan, req engine.RunRequest, hub *server.Hub) (engine.State, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := hub.Subscribe(req.RunID)
	type outcome struct {
		state engine.State
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		state, err := eng.Execute(runCtx, plan, req)
		if err != nil {
			// the view is waiting for events that will never come
			sub.Close()
		}
		done <- outcome{state, err}
	}()
	logPath := rt.layout.LogbookPath(req.RunID)
	view := tui.NewWatch(plan.Definition.Name, sub.Events,
		tui.WithCancel(cancel),
		tui.WithLogbook(func(n int) []string {
			lines, _ := logbook.TailFile(logPath, n)
			return lines
		}),
	)
	program := tea.NewProgram(view, tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		rt.logger.Warn("progress view stopped", "error", err)
	}
	res := <-done
	sub.Close()
	return res.state, res.err
}

func planCommand(ctx context.Context, streams Streams, args []string) error {
	opts, help, err := parseRunFlags("plan", streams, args, false)
	if help || err != nil {
		return err
	}
	rt, err := bootstrap(opts.common, streams.Err)
	if err != nil {
		return err
	}
	defer rt.close()
	def, err := rt.loadPipeline(opts.pipeline)
	if err != nil {
		return err
	}
	eng, err := rt.newEngine()
	if err != nil {
		return err
	}
	plan, err := eng.Plan(def, workflow.NewRunContext(opts.event.event(), rt.cfg.Secrets(), opts.vars))
	if err != nil {
		return configExit(err)
	}
	printPlan(streams.Out, plan)
	return nil
}

func printPlan(w io.Writer, plan *engine.Plan) {
	fmt.Fprintf(w, "pipeline %s: %d job(s), %d instance(s)\n", plan.Definition.Name, len(plan.Definition.JobIDs()), len(plan.Instances))
	if plan.Suppressed() {
		fmt.Fprintf(w, "suppressed: %s\n", plan.Trigger.Reason)
	}
	for _, inst := range plan.Instances {
		line := "  " + inst.ID
		if needs := plan.Graph.Dependencies(inst.JobID); len(needs) > 0 {
			line += " <- " + strings.Join(needs, ", ")
		}
		if inst.BestEffort {
			line += " (best effort)"
		}
		fmt.Fprintln(w, line)
	}
}

func configExit(err error) error {
	if workflow.IsConfigError(err) {
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return err
}

// exitForStatus maps the aggregate status to an exit code.
func exitForStatus(state engine.State) error {
	switch state.Status {
	case engine.RunStatusSucceeded, engine.RunStatusSuppressed:
		return nil
	}
	msg := fmt.Sprintf("pipeline %s %s", state.Pipeline, state.Status)
	if state.StatusReason != "" {
		msg += ": " + state.StatusReason
	}
	return &ExitError{Code: ExitFailed, Message: msg}
}
