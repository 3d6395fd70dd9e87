package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/lattice-ci/internal/server"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(ctx context.Context, streams Streams, args []string) error {
	var common commonFlags
	var host string
	var port int
	set := newFlagSet("serve", "", streams.Err)
	common.register(set)
	set.StringVar(&host, "host", "", "listen host (overrides config and "+server.EnvServerHost+")")
	set.IntVar(&port, "port", -1, "listen port, 0 picks a free port (overrides config)")
	if help, err := parseFlags(set, args); help || err != nil {
		return err
	}
	if set.NArg() != 0 {
		return usageError("serve takes no arguments")
	}
	if port > 65535 {
		return usageError("port must be between 0 and 65535")
	}

	rt, err := bootstrap(common, streams.Err)
	if err != nil {
		return err
	}
	defer rt.close()

	settings := server.SettingsFromConfig(rt.cfg)
	if host != "" {
		settings.Host = host
	}
	if port >= 0 {
		settings.Port = port
	}

	hub := server.NewHub(server.HubWithLogger(rt.logger))
	eng, err := rt.newEngine(engine.WithObserver(hub.Publish))
	if err != nil {
		return err
	}
	runs := server.NewRuns(eng, rt.repo, rt.layout,
		server.RunsWithSecrets(rt.cfg.Secrets()),
		server.RunsWithLogger(rt.logger),
	)
	srv := server.NewServer(settings, runs, hub, server.WithLogger(rt.logger))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(streams.Out, "%s API listening on %s\n", programName, srv.BaseURL())

	<-ctx.Done()
	rt.logger.Info("shutting down", "reason", context.Cause(ctx))
	// ctx is already done, so draining gets its own deadline
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
