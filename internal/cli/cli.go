// Package cli implements the latticeci command line: flag parsing per
// subcommand, wiring of the engine and its services, and exit codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitUsage   = 2
	programName = "latticeci"
)

// ExitError is an error that carries the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

// Streams are the process's standard streams.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, streams Streams, args []string) error
}

func commands() []command {
	return []command{
		{"run", "run a pipeline locally", runCommand},
		{"plan", "validate a pipeline and print its job instances", planCommand},
		{"serve", "serve the pipeline HTTP API", serveCommand},
		{"logs", "print the logbook of a run", logsCommand},
		{"runs", "list recorded runs", runsCommand},
		{"keygen", "create the signing key pair", keygenCommand},
		{"verify", "verify a detached signature", verifyCommand},
		{"init", "create the .latticeci directory", initCommand},
	}
}

// Run dispatches args (without the program name) to a subcommand. Any
// returned error that is not an *ExitError maps to exit code 1.
func Run(ctx context.Context, streams Streams, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(streams.Out)
		if len(args) == 0 {
			return &ExitError{Code: ExitUsage, Message: "a command is required"}
		}
		return nil
	}
	for _, cmd := range commands() {
		if cmd.name == args[0] {
			return cmd.run(ctx, streams, args[1:])
		}
	}
	printUsage(streams.Err)
	return usageError("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "\n%s - run CI pipelines locally or behind an HTTP API.\n\nUsage:\n  %s <command> [options]\n\nCommands:\n", programName, programName)
	for _, cmd := range commands() {
		fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, "\nRun '%s <command> -h' for command options.\n", programName)
}

// newFlagSet returns a ContinueOnError flag set whose usage goes to w.
func newFlagSet(name, args string, w io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(programName+" "+name, flag.ContinueOnError)
	fs.SetOutput(w)
	fs.Usage = func() {
		fmt.Fprintf(w, "Usage:\n  %s %s [options] %s\n\nOptions:\n", programName, name, args)
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags parses args and reports help as a clean exit.
func parseFlags(fs *flag.FlagSet, args []string) (help bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, &ExitError{Code: ExitUsage, Message: err.Error()}
	}
	return false, nil
}

// keyValueFlag collects repeatable key=value flags.
type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = val
	return nil
}

// listFlag collects repeatable or comma separated values.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}
