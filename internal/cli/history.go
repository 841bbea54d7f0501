package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shellprobe/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Script string
	Failed bool
	Limit  int
	Delete string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List runs recorded with "run --db", newest first.

Examples:
  shellprobe history --db runs.db
  shellprobe history --db runs.db --script version --failed
  shellprobe history --db runs.db --delete 0192f4c1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().String("db", "", "SQLite database of recorded runs (required)")
	cmd.Flags().StringVar(&opts.Script, "script", "", "only runs of this script")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "only failed runs")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of runs")
	cmd.Flags().StringVar(&opts.Delete, "delete", "", "delete the run with this ID or ID prefix")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openStore(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Delete != "" {
		return deleteRun(ctx, st, opts.Delete, out)
	}

	runs, err := st.ListRuns(ctx, store.ListOptions{
		Script:     opts.Script,
		FailedOnly: opts.Failed,
		Limit:      opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if out.JSON() {
		return out.Success(runs)
	}
	if len(runs) == 0 {
		out.Printf("No runs recorded.")
		return nil
	}
	for _, run := range runs {
		out.Printf("%s %s  %s  %s  %s",
			mark(run.Pass),
			run.ID,
			run.StartedAt.Local().Format(time.DateTime),
			run.Duration.Round(time.Millisecond),
			run.Script,
		)
	}
	return nil
}

// deleteRun removes one recorded run. The ID may be a unique prefix, as
// accepted by trace.
func deleteRun(ctx context.Context, st *store.Store, id string, out *OutputFormatter) error {
	run, err := st.ReadRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitCommandError, "no such run", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	if err := st.DeleteRun(ctx, run.ID); err != nil {
		return WrapExitError(ExitCommandError, "failed to delete run", err)
	}

	if out.JSON() {
		return out.Success(map[string]string{"deleted": run.ID})
	}
	out.Printf("Deleted %s (%s)", run.ID, run.Script)
	return nil
}

// openStore opens the database named by --db or the config, which must
// already exist.
func openStore(opts *RootOptions, cmd *cobra.Command) (*store.Store, error) {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, err
	}
	if cfg.DB == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	if err := requireFile(cfg.DB); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
