package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kingrea/lattice-ci/internal/config"
)

func initCommand(ctx context.Context, streams Streams, args []string) error {
	set := newFlagSet("init", "[project-dir]", streams.Err)
	if help, err := parseFlags(set, args); help || err != nil {
		return err
	}
	if set.NArg() > 1 {
		return usageError("init takes at most one directory")
	}
	dir := set.Arg(0)
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		dir = wd
	}
	if err := config.InitDir(dir); err != nil {
		return fmt.Errorf("init %s: %w", config.Dir, err)
	}
	fmt.Fprintf(streams.Out, "initialized %s\n", filepath.Join(dir, config.Dir))
	return nil
}
