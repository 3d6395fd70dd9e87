package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/kingrea/lattice-ci/internal/logbook"
	"github.com/kingrea/lattice-ci/internal/workflow/engine"
	"github.com/kingrea/lattice-ci/internal/workflow/scheduler"
)

func logsCommand(ctx context.Context, streams Streams, args []string) error {
	var common commonFlags
	var lines int
	set := newFlagSet("logs", "<run-id>", streams.Err)
	common.register(set)
	set.IntVar(&lines, "n", 200, "number of trailing logbook lines")
	if help, err := parseFlags(set, args); help || err != nil {
		return err
	}
	if set.NArg() != 1 {
		set.Usage()
		return usageError("expected exactly one run id")
	}
	if lines <= 0 {
		return usageError("n must be positive")
	}
	rt, err := bootstrap(common, streams.Err)
	if err != nil {
		return err
	}
	defer rt.close()

	runID := set.Arg(0)
	if _, err := rt.repo.Load(runID); err != nil {
		if errors.Is(err, engine.ErrStateNotFound) {
			return &ExitError{Code: ExitFailed, Message: fmt.Sprintf("run %s not found", runID)}
		}
		return err
	}
	tail, total := logbook.TailFile(rt.layout.LogbookPath(runID), lines)
	if total > len(tail) {
		fmt.Fprintf(streams.Err, "... %d earlier line(s) omitted\n", total-len(tail))
	}
	for _, line := range tail {
		fmt.Fprintln(streams.Out, line)
	}
	return nil
}

func runsCommand(ctx context.Context, streams Streams, args []string) error {
	var common commonFlags
	var limit int
	set := newFlagSet("runs", "", streams.Err)
	common.register(set)
	set.IntVar(&limit, "limit", 20, "maximum runs to list, newest first (0 lists all)")
	if help, err := parseFlags(set, args); help || err != nil {
		return err
	}
	rt, err := bootstrap(common, streams.Err)
	if err != nil {
		return err
	}
	defer rt.close()

	states, err := rt.repo.List()
	if err != nil {
		return err
	}
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	if len(states) == 0 {
		fmt.Fprintln(streams.Out, "no runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(streams.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tSTATUS\tSTARTED\tJOBS")
	for _, st := range states {
		counts := st.Counts()
		jobs := fmt.Sprintf("%d ok, %d failed, %d skipped", counts[scheduler.StateSucceeded], counts[scheduler.StateFailed], counts[scheduler.StateSkipped])
		started := "-"
		if !st.StartedAt.IsZero() {
			started = st.StartedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.RunID, st.Pipeline, st.Status, started, jobs)
	}
	return tw.Flush()
}
