// cmd/latticeci/main.go
//
// Entry point for the latticeci binary. Everything interesting lives in
// internal/cli; main only wires signals and turns errors into exit codes.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kingrea/lattice-ci/internal/cli"
)

func main() {
	// The first SIGINT/SIGTERM cancels the run context so pipelines wind
	// down and persist their final state.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Run(ctx, cli.Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}, os.Args[1:])
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return cli.ExitOK
	}
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Message != "" {
			fmt.Fprintf(os.Stderr, "latticeci: %s\n", exitErr.Message)
		}
		return exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "latticeci: %v\n", err)
	return cli.ExitFailed
}
