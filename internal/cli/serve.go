package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shellprobe/internal/backend"
	"github.com/roach88/shellprobe/internal/config"
)

const shutdownTimeout = 5 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a fixture-driven stub backend",
		Long: `Serve a stub backend that answers requests from a fixture file.

Over WebSocket it listens on --addr. With --stdio it reads newline-delimited
requests from stdin and writes responses to stdout, so it can itself be used
as a backend through "run --exec".

Examples:
  shellprobe serve --fixtures shell.yaml --addr 127.0.0.1:8765
  shellprobe run --exec "shellprobe serve --fixtures shell.yaml --stdio" ./scripts`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, stdio, cmd)
		},
	}

	cmd.Flags().String("fixtures", "", "fixture file (required)")
	cmd.Flags().String("addr", config.DefaultAddr, "WebSocket listen address")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve newline-delimited JSON on stdin/stdout")

	return cmd
}

func runServe(opts *RootOptions, stdio bool, cmd *cobra.Command) error {
	logger := opts.Logger()

	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return err
	}
	if cfg.Fixtures == "" {
		return NewExitError(ExitCommandError, "--fixtures is required")
	}

	fixture, err := backend.LoadFixture(cfg.Fixtures)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load fixtures", err)
	}
	b := backend.New(fixture, backend.WithLogger(logger))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if stdio {
		logger.Info("serving on stdio", "routes", len(fixture.Routes))
		if err := b.ServeStream(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
			return WrapExitError(ExitCommandError, "stdio backend", err)
		}
		return nil
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           b,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d route(s) on ws://%s/\n", len(fixture.Routes), ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "server error", err)
	}
	logger.Info("server stopped")
	return nil
}
