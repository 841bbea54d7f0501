package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/shellprobe/internal/harness"
)

// ValidateEntry is the validation result of one script.
type ValidateEntry struct {
	Path    string `json:"path"`
	Valid   bool   `json:"valid"`
	Scripts int    `json:"scripts"` // scripts reached, including executed ones
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Entries []ValidateEntry `json:"entries"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "validate <scripts|dirs...>",
		Short: "Check scripts without running them",
		Long: `Load every script, and every script it executes, without connecting to a
backend. Reports parse errors, invalid steps and include cycles.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, filter, cmd)
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "filter scripts by glob pattern")

	return cmd
}

func runValidate(opts *RootOptions, paths []string, filter string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	files, err := harness.FindScripts(paths, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scripts", err)
	}

	result := ValidationResult{Valid: true, Entries: make([]ValidateEntry, 0, len(files))}
	for _, file := range files {
		entry := ValidateEntry{Path: file, Valid: true}
		reached, err := harness.Check(file)
		entry.Scripts = len(reached)
		if err != nil {
			entry.Valid = false
			entry.Error = err.Error()
			var loadErr *harness.LoadError
			if errors.As(err, &loadErr) {
				entry.Code = loadErr.Code
			}
			result.Valid = false
		}
		result.Entries = append(result.Entries, entry)

		if entry.Valid {
			out.Printf("%s %s", mark(true), file)
			out.VerboseLog("  %d script(s) loaded", entry.Scripts)
		} else {
			out.Printf("%s %s", mark(false), file)
			out.Printf("  %s", entry.Error)
		}
	}

	if !result.Valid {
		msg := "validation failed"
		if err := out.Failure(ErrCodeFailed, msg, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	if out.JSON() {
		return out.Success(result)
	}
	out.Printf("All %d script(s) valid", len(files))
	return nil
}
