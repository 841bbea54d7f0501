package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shellprobe/internal/envelope"
	"github.com/roach88/shellprobe/internal/session"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Args      string // JSON object
	Request   string
	RequestID string
}

// SendResult holds a request and every response it received.
type SendResult struct {
	Request   map[string]any   `json:"request"`
	Responses []map[string]any `json:"responses"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Send one request and print its responses",
		Long: `Send a single request to the backend and print every response envelope
for it until a terminal one (ERROR, or done) arrives.

Exits with 1 if the final response is an ERROR.

Examples:
  shellprobe send --url ws://localhost:8765/ GetVersion
  shellprobe send --url ws://localhost:8765/ ListConnections --args '{"verbose":true}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, args[0], cmd)
		},
	}

	addBackendFlags(cmd)
	cmd.Flags().StringVar(&opts.Args, "args", "", "request arguments as a JSON object")
	cmd.Flags().StringVar(&opts.Request, "request", envelope.RequestExecute, "request kind")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "request ID (default UUIDv7)")

	return cmd
}

func runSend(opts *SendOptions, command string, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	args, err := parseArgs(opts.Args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --args", err)
	}

	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := connect(ctx, cfg, opts.Logger())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer conn.Close()

	req := envelope.NewRequest(command, args)
	req.Request = opts.Request
	req.RequestID = opts.RequestID
	if req.RequestID == "" {
		req.RequestID = session.UUIDv7Generator{}.Generate()
	}

	payload, err := req.Value()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid request", err)
	}
	result := SendResult{Request: payload, Responses: []map[string]any{}}

	sub, err := conn.Subscribe(req.RequestID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	defer sub.Close()

	if err := conn.Send(ctx, req); err != nil {
		return WrapExitError(ExitCommandError, "failed to send request", err)
	}
	out.VerboseLog("sent %s", canonical(payload))

	var last envelope.Response
	for {
		resp, err := nextWithin(ctx, sub.Next, cfg.Timeout)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("no response within %s after %d envelope(s)", cfg.Timeout, len(result.Responses))
				return WrapExitError(ExitFailure, "request "+req.RequestID, err)
			}
			return WrapExitError(ExitCommandError, "request "+req.RequestID, err)
		}

		value := resp.Value()
		result.Responses = append(result.Responses, value)
		out.Printf("%s", canonical(value))

		last = resp
		if resp.Terminal() {
			break
		}
	}

	if last.RequestState.Type == envelope.StateError {
		msg := fmt.Sprintf("request %s failed: %s", req.RequestID, last.RequestState.Msg)
		if err := out.Failure(ErrCodeFailed, msg, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}
	if out.JSON() {
		return out.Success(result)
	}
	return nil
}

// parseArgs decodes a JSON object of request arguments. Empty means none.
func parseArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	v, err := envelope.Decode([]byte(raw))
	if err != nil {
		return nil, err
	}
	args, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("want a JSON object, got %T", v)
	}
	return args, nil
}

func nextWithin(ctx context.Context, next func(context.Context) (envelope.Response, error), d time.Duration) (envelope.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return next(ctx)
}

func canonical(v any) string {
	data, err := envelope.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
