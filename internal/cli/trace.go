package cli

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shellprobe/internal/store"
)

// TraceResult holds a recorded run and its transcript.
type TraceResult struct {
	Run        store.Run        `json:"run"`
	Transcript []store.Envelope `json:"transcript"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Show the transcript of a recorded run",
		Long: `Show every envelope sent and received during a recorded run, in order.
A unique prefix of the run ID is enough.

Examples:
  shellprobe trace --db runs.db 0192f3a1
  shellprobe trace --db runs.db 0192f3a1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}

	cmd.Flags().String("db", "", "SQLite database of recorded runs (required)")

	return cmd
}

func runTrace(opts *RootOptions, id string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openStore(opts, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	run, err := st.ReadRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitCommandError, "no such run", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	transcript, err := st.ReadTranscript(ctx, run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read transcript", err)
	}

	if out.JSON() {
		return out.Success(TraceResult{Run: run, Transcript: transcript})
	}

	out.Printf("%s %s (%s)", mark(run.Pass), run.Script, run.ID)
	out.Printf("  started %s, took %s", run.StartedAt.Local().Format(time.DateTime), run.Duration.Round(time.Millisecond))
	for _, e := range run.Errors {
		out.Printf("  %s", e)
	}
	out.Printf("")
	for _, env := range transcript {
		switch {
		case env.Payload != nil:
			out.Printf("%3d %-8s %s", env.Seq, env.Kind, canonical(env.Payload))
		default:
			out.Printf("%3d %-8s %s", env.Seq, env.Kind, env.Message)
		}
	}
	return nil
}

func requireFile(path string) error {
	_, err := os.Stat(path)
	return err
}
