// Command shellprobe drives a shell backend over its envelope protocol and
// validates every response against scripted templates.
//
// Usage:
//
//	shellprobe run --url ws://localhost:8765/ ./scripts
//	shellprobe send --url ws://localhost:8765/ GetVersion
//	shellprobe serve --fixtures shell.yaml --addr 127.0.0.1:8765
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/shellprobe/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
