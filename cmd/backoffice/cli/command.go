package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
)

// Usage documents the jobs subcommands.
const Usage = `usage: backoffice jobs <command> [flags]

commands:
  rebuild  --shift YYYY-MM-DD [--store ID]          queue a snapshot rebuild
  backfill --from YYYY-MM-DD --to YYYY-MM-DD [--store ID]
  close    [--store ID]                             queue the shift-close job now
  stats                                             show default queue counts
`

// Run executes one jobs subcommand and returns the process exit code.
func (c *JobsCLI) Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, Usage)
		return 2
	}
	if err := c.run(ctx, args[0], args[1:], stdout, stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "%v\n%s", err, Usage)
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func (c *JobsCLI) run(ctx context.Context, cmd string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	store := fs.String("store", "", "POS store id; empty uses every store")

	switch cmd {
	case "rebuild":
		key := fs.String("shift", "", "shift key (YYYY-MM-DD), required")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *key == "" {
			return fmt.Errorf("%w: --shift is required", errUsage)
		}
		res, err := c.Rebuild(ctx, *key, *store)
		if err != nil {
			return err
		}
		printEnqueued(stdout, res)
	case "backfill":
		from := fs.String("from", "", "first shift key, required")
		to := fs.String("to", "", "last shift key, required")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *from == "" || *to == "" {
			return fmt.Errorf("%w: --from and --to are required", errUsage)
		}
		results, err := c.Backfill(ctx, *from, *to, *store)
		for _, res := range results {
			printEnqueued(stdout, res)
		}
		if err != nil {
			return err
		}
	case "close":
		if err := fs.Parse(args); err != nil {
			return err
		}
		info, err := c.TriggerClose(ctx, *store)
		if err != nil {
			return err
		}
		if info != nil {
			fmt.Fprintf(stdout, "shift close queued\t%s\n", info.ID)
		}
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}
