package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/kingrea/lattice-ci/internal/action"
	"github.com/kingrea/lattice-ci/internal/action/builtin"
	"github.com/kingrea/lattice-ci/internal/artifact"
	"github.com/kingrea/lattice-ci/internal/config"
	"github.com/kingrea/lattice-ci/internal/coverage"
	"github.com/kingrea/lattice-ci/internal/logging"
	"github.com/kingrea/lattice-ci/internal/runner"
	"github.com/kingrea/lattice-ci/internal/signing"
	"github.com/kingrea/lattice-ci/internal/workflow"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

// commonFlags are shared by every command that touches a project.
type commonFlags struct {
	project   string
	logLevel  string
	logFormat string
}

func (c *commonFlags) register(set *flag.FlagSet) {
	set.StringVar(&c.project, "project", "", "project directory (defaults to the working directory)")
	set.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	set.StringVar(&c.logFormat, "log-format", "", "log format: text or json (overrides config)")
}

func (c commonFlags) validate() error {
	switch strings.ToLower(c.logLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	switch strings.ToLower(c.logFormat) {
	case "", "text", "json":
	default:
		return usageError("invalid log-format: must be 'text' or 'json'")
	}
	return nil
}

// runtime is everything a command needs to plan and run pipelines.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	sink     *logging.Sink
	layout   *workflow.Layout
	store    *artifact.Store
	signer   *signing.LocalService
	registry *action.Registry
	repo     *engine.Repository
}

// bootstrap loads config, opens the process log and builds the services the
// built-in actions use. console receives a copy of the process log; pass
// nil while a full-screen view owns the terminal.
func bootstrap(flags commonFlags, console io.Writer) (*runtime, error) {
	if err := flags.validate(); err != nil {
		return nil, err
	}
	project := flags.project
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine working directory: %w", err)
		}
		project = wd
	}
	if err := config.InitDir(project); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.Dir, err)
	}
	cfg, err := config.Load(project)
	if err != nil {
		return nil, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	level := firstNonEmpty(flags.logLevel, cfg.Project.Logging.Level)
	format := firstNonEmpty(flags.logFormat, cfg.Project.Logging.Format)
	sink, err := logging.OpenSink(cfg.LogsDir(), console)
	if err != nil {
		return nil, err
	}
	logger := logging.New(level, format, sink)

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		layout: workflow.NewLayout(cfg.StateDir),
		store:  artifact.NewStore(cfg.ArtifactsDir()),
	}
	rt.repo = engine.NewRepository(rt.layout)
	if err := rt.layout.Initialize(); err != nil {
		sink.Close()
		return nil, err
	}
	if err := rt.buildRegistry(); err != nil {
		sink.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) buildRegistry() error {
	svc := builtin.Services{
		Store: rt.store,
		Relay: builtin.RelaySettings{
			PollInterval: rt.cfg.Project.Signing.PollInterval,
			Timeout:      rt.cfg.Project.Signing.Timeout,
		},
		CoverageTokenSecret: rt.cfg.Project.Coverage.TokenSecret,
		Logger:              rt.logger,
	}
	signer, err := rt.loadSigner()
	if err != nil {
		return err
	}
	if signer != nil {
		rt.signer = signer
		svc.Signing = signer
	}
	if endpoint := rt.cfg.Project.Coverage.Endpoint; endpoint != "" {
		up := coverage.NewHTTPUploader(endpoint, rt.cfg.Project.Coverage.Timeout)
		up.Logger = rt.logger
		svc.Coverage = up
	}
	rt.registry = action.NewRegistry()
	return builtin.Register(rt.registry, svc)
}

// loadSigner returns nil without error when no key pair exists yet; sign
// steps then report a best-effort external service failure.
func (rt *runtime) loadSigner() (*signing.LocalService, error) {
	_, priv, err := signing.LoadKeyPair(rt.cfg.KeyDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			rt.logger.Debug("no signing key pair, sign steps will be skipped", "key_dir", rt.cfg.KeyDir())
			return nil, nil
		}
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	policies := make([]signing.Policy, 0, len(rt.cfg.Project.Signing.Policies))
	for _, p := range rt.cfg.Project.Signing.Policies {
		policies = append(policies, signing.Policy{Name: p.Name, Artifacts: p.Artifacts})
	}
	return signing.NewLocalService(rt.store, priv,
		signing.WithPolicies(policies...),
		signing.WithLogger(rt.logger),
	)
}

// newEngine builds an engine over the runtime's registry and repository.
func (rt *runtime) newEngine(extra ...engine.Option) (*engine.Engine, error) {
	var runnerOpts []runner.Option
	if shell := strings.TrimSpace(rt.cfg.Project.Runtime.Shell); shell != "" {
		runnerOpts = append(runnerOpts, runner.WithShell(shell))
	}
	workspace := rt.cfg.Workspace()
	if workspace == "" {
		workspace = rt.cfg.ProjectDir
	}
	opts := []engine.Option{
		engine.WithLayout(rt.layout),
		engine.WithWorkspace(workspace),
		engine.WithMaxParallel(rt.cfg.Project.Runtime.MaxParallel),
		engine.WithRunner(runner.New(runnerOpts...)),
		engine.WithLogger(rt.logger),
	}
	return engine.New(rt.registry, rt.repo, append(opts, extra...)...)
}

// close waits for background signing work and releases the log file.
func (rt *runtime) close() {
	if rt.signer != nil {
		rt.signer.Wait()
	}
	_ = rt.sink.Close()
}

// loadPipeline reads a pipeline from a path, falling back to the project's
// pipelines directory.
func (rt *runtime) loadPipeline(ref string) (workflow.Definition, error) {
	def, err := workflow.LoadDefinitionFile(ref)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return workflow.Definition{}, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	for _, name := range []string{ref, ref + ".yaml", ref + ".yml"} {
		def, relErr := workflow.LoadDefinitionRelative(rt.cfg.PipelinesDir(), name)
		if relErr == nil {
			return def, nil
		}
	}
	return workflow.Definition{}, usageError("pipeline %q not found in the working directory or %s", ref, rt.cfg.PipelinesDir())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
