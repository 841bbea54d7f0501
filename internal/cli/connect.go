package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/shellprobe/internal/config"
	"github.com/roach88/shellprobe/internal/transport"
)

// connect opens a connection to the configured backend: a WebSocket when
// URL is set, otherwise a process spawned from Exec.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*transport.Mux, error) {
	if err := cfg.RequireBackend(); err != nil {
		return nil, err
	}
	if cfg.URL != "" {
		return transport.DialWebSocket(ctx, cfg.URL, nil, transport.WithLogger(logger))
	}
	name, args, err := cfg.ExecArgs()
	if err != nil {
		return nil, err
	}
	return transport.Spawn(ctx, name, args, transport.WithLogger(logger))
}
