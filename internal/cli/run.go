package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shellprobe/internal/config"
	"github.com/roach88/shellprobe/internal/harness"
	"github.com/roach88/shellprobe/internal/store"
)

// RunOptions holds flags for the run command that are not configuration.
type RunOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // script filter (glob pattern)
}

// ScriptResult holds the result of a single script run.
type ScriptResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Code   string   `json:"code,omitempty"`
	Errors []string `json:"errors,omitempty"`
	Golden string   `json:"golden,omitempty"` // "match", "updated" or "mismatch"
	RunID  string   `json:"run_id,omitempty"`
}

// RunSummary holds the overall result of a run command.
type RunSummary struct {
	Scripts []ScriptResult `json:"scripts"`
	Passed  int            `json:"passed"`
	Failed  int            `json:"failed"`
	Total   int            `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scripts|dirs...>",
		Short: "Run validation scripts against a backend",
		Long: `Run validation scripts against a shell backend.

Each script gets its own connection and session. Steps run in order and a
script stops at its first failing step. When a golden transcript exists for
a script, the run's trace must match it byte for byte.

Exit codes:
  0 - All scripts passed
  1 - One or more scripts failed
  2 - Command error (no backend, bad paths, etc.)

Examples:
  shellprobe run --url ws://localhost:8765/ ./scripts
  shellprobe run --exec "./backend --stdio" ./scripts/version.yaml
  shellprobe run --url ws://localhost:8765/ ./scripts --deterministic --update
  shellprobe run --url ws://localhost:8765/ ./scripts --parallel 4 --db runs.db`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScripts(opts, args, cmd)
		},
	}

	addBackendFlags(cmd)
	cmd.Flags().Duration("settle", 0, "quiet period checked for stray envelopes after each request")
	cmd.Flags().Int("parallel", config.DefaultParallel, "number of scripts run at once")
	cmd.Flags().String("db", "", "SQLite database to record runs in")
	cmd.Flags().String("golden-dir", "", "directory of golden transcripts (default <script dir>/golden)")
	cmd.Flags().Bool("deterministic", false, "number request IDs req-1, req-2, ... instead of UUIDv7")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scripts by glob pattern")

	return cmd
}

// addBackendFlags registers the flags that select and time a backend.
func addBackendFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "WebSocket URL of the backend")
	cmd.Flags().String("exec", "", "backend command spoken to over stdin/stdout")
	cmd.Flags().Duration("timeout", config.DefaultTimeout, "timeout for each expected response")
}

func runScripts(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.Logger()

	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireBackend(); err != nil {
		return WrapExitError(ExitCommandError, "cannot run scripts", err)
	}

	files, err := harness.FindScripts(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scripts", err)
	}
	if len(files) == 0 {
		if out.JSON() {
			return out.Success(RunSummary{Scripts: []ScriptResult{}})
		}
		fmt.Fprintln(out.Writer, "No scripts found.")
		return nil
	}

	var st *store.Store
	if cfg.DB != "" {
		st, err = store.Open(cfg.DB)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
	}

	runnerOpts := []harness.Option{
		harness.WithLogger(logger),
		harness.WithTimeout(cfg.Timeout),
		harness.WithSettle(cfg.Settle),
	}
	if cfg.Deterministic {
		runnerOpts = append(runnerOpts, harness.WithDeterministicIDs("req"))
	}
	r := &scriptRun{
		opts:   opts,
		cfg:    cfg,
		runner: harness.NewRunner(runnerOpts...),
		store:  st,
		out:    out,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	summary := RunSummary{
		Scripts: make([]ScriptResult, len(files)),
		Total:   len(files),
	}
	var g errgroup.Group
	g.SetLimit(cfg.Parallel)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			summary.Scripts[i] = r.one(ctx, file)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range summary.Scripts {
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		printScriptResult(out, res)
	}

	if summary.Failed > 0 {
		msg := fmt.Sprintf("%d of %d script(s) failed", summary.Failed, summary.Total)
		if err := out.Failure(ErrCodeFailed, msg, summary); err != nil {
			return err
		}
		out.Printf("\n%s", msg)
		return NewExitError(ExitFailure, msg)
	}

	if out.JSON() {
		return out.Success(summary)
	}
	out.Printf("\n%d script(s) passed", summary.Passed)
	return nil
}

// scriptRun is the shared state of one run command.
type scriptRun struct {
	opts   *RunOptions
	cfg    *config.Config
	runner *harness.Runner
	store  *store.Store
	out    *OutputFormatter
}

// one loads, runs, checks and records a single script.
func (r *scriptRun) one(ctx context.Context, file string) ScriptResult {
	res := ScriptResult{Name: file, Path: file}

	script, err := harness.LoadScript(file)
	if err != nil {
		res.Errors = []string{err.Error()}
		return res
	}
	res.Name = script.Name

	logger := r.opts.Logger().With("script", script.Name)
	conn, err := connect(ctx, r.cfg, logger)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("connect: %v", err)}
		return res
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("close connection", "error", err)
		}
	}()

	started := time.Now()
	result := r.runner.Run(ctx, script, conn)
	elapsed := time.Since(started)

	res.Pass = result.Pass
	res.Code = string(result.Code)
	res.Errors = result.Errors
	r.checkGolden(file, result, &res)

	if r.store != nil {
		id, err := r.store.WriteRun(ctx, store.Run{
			Script:    script.Name,
			Path:      file,
			StartedAt: started,
			Duration:  elapsed,
			Pass:      res.Pass,
			Code:      res.Code,
			Errors:    res.Errors,
		}, transcript(result))
		if err != nil {
			logger.Error("failed to record run", "error", err)
			r.out.VerboseLog("warning: %s: failed to record run: %v", script.Name, err)
		} else {
			res.RunID = id
		}
	}
	return res
}

// checkGolden updates or compares the golden transcript of a script.
// Without --update, a missing golden file is not a failure.
func (r *scriptRun) checkGolden(file string, result *harness.Result, res *ScriptResult) {
	path := harness.GoldenPath(r.cfg.GoldenDir, file)

	if r.opts.Update {
		if err := harness.UpdateGolden(path, result); err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, fmt.Sprintf("failed to update golden file: %v", err))
			return
		}
		res.Golden = "updated"
		return
	}

	match, err := harness.CompareGolden(path, result)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return
	case err != nil:
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("golden comparison failed: %v", err))
	case !match:
		res.Pass = false
		res.Golden = "mismatch"
		res.Errors = append(res.Errors, fmt.Sprintf("trace does not match golden file %s (run with --update to regenerate)", path))
	default:
		res.Golden = "match"
	}
}

func transcript(result *harness.Result) []store.Envelope {
	envs := make([]store.Envelope, len(result.Trace))
	for i, ev := range result.Trace {
		envs[i] = store.Envelope{
			Seq:       ev.Seq,
			Kind:      ev.Type,
			RequestID: ev.RequestID,
			Payload:   ev.Payload,
			Message:   ev.Message,
		}
	}
	return envs
}

func printScriptResult(out *OutputFormatter, res ScriptResult) {
	line := fmt.Sprintf("%s %s", mark(res.Pass), res.Name)
	if res.Golden == "updated" {
		line += " (golden updated)"
	}
	out.Printf("%s", line)
	if !res.Pass {
		for _, e := range res.Errors {
			out.Printf("  %s", e)
		}
	}
	if res.RunID != "" {
		out.VerboseLog("  recorded as run %s", res.RunID)
	}
}
