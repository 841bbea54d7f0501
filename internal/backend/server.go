package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shellprobe/internal/envelope"
	"github.com/roach88/shellprobe/internal/transport"
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Backend serves a Fixture over WebSocket or a line-delimited stream.
// Requests on one connection are answered concurrently; the envelopes of a
// single request are written in fixture order.
type Backend struct {
	fixture  *Fixture
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a backend for f.
func New(f *Fixture, opts ...Option) *Backend {
	b := &Backend{
		fixture: f,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Respond returns the envelopes the fixture sends for req, ignoring delays.
func (b *Backend) Respond(req map[string]any) []envelope.Response {
	_, replies := b.plan(req)
	return replies
}

// ServeHTTP upgrades the request to a WebSocket and serves it until the
// client disconnects.
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	b.logger.Info("client connected", "remote", r.RemoteAddr)
	if err := b.serve(r.Context(), transport.NewWebSocketFramer(conn)); err != nil {
		b.logger.Warn("connection ended", "remote", r.RemoteAddr, "error", err)
		return
	}
	b.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

// ServeStream answers newline-delimited requests read from r, writing
// responses to w, until r reaches EOF or ctx is done. When r is also an
// io.Closer it is closed once ctx is done so a blocked read returns.
func (b *Backend) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	var c io.Closer
	if rc, ok := r.(io.Closer); ok {
		c = rc
	}
	return b.serve(ctx, transport.NewLineFramer(r, w, c))
}

func (b *Backend) serve(ctx context.Context, f transport.Framer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = f.Close() })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for {
		data, err := f.ReadFrame()
		if err != nil {
			_ = g.Wait()
			if isNormalClose(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		g.Go(func() error {
			b.handle(gctx, f, data)
			return nil
		})
	}
}

func (b *Backend) handle(ctx context.Context, f transport.Framer, data []byte) {
	v, err := envelope.Decode(data)
	if err != nil {
		b.logger.Warn("ignoring undecodable request", "error", err)
		return
	}
	req, ok := v.(map[string]any)
	if !ok {
		b.logger.Warn("ignoring non-object request", "type", fmt.Sprintf("%T", v))
		return
	}
	if id, _ := req["request_id"].(string); id == "" {
		b.logger.Warn("ignoring request without request_id")
		return
	}

	delay, replies := b.plan(req)
	for _, resp := range replies {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		out, err := json.Marshal(resp)
		if err != nil {
			b.logger.Error("encode response", "error", err)
			return
		}
		if err := f.WriteFrame(ctx, out); err != nil {
			b.logger.Debug("write response", "request_id", resp.RequestID, "error", err)
			return
		}
	}
}

func (b *Backend) plan(req map[string]any) (time.Duration, []envelope.Response) {
	id, _ := req["request_id"].(string)
	command, _ := req["command"].(string)

	if kind, _ := req["request"].(string); kind != envelope.RequestExecute {
		return 0, []envelope.Response{errorResponse(id, fmt.Sprintf("unsupported request %q", kind))}
	}

	route := b.fixture.match(req)
	if route == nil {
		b.logger.Debug("no route", "command", command, "request_id", id)
		return 0, []envelope.Response{errorResponse(id, fmt.Sprintf("unknown command: %s", command))}
	}

	replies := make([]envelope.Response, 0, len(route.Responses))
	for _, reply := range route.Responses {
		resp := envelope.Response{
			RequestID:    id,
			RequestState: envelope.RequestState{Type: reply.Type, Msg: reply.Msg},
			Done:         reply.Done,
		}
		if reply.RequestID != "" {
			resp.RequestID = reply.RequestID
		}
		switch {
		case reply.EchoArgs:
			resp.Result, resp.HasResult = req["args"], true
		case reply.Result != nil:
			resp.Result, resp.HasResult = reply.Result, true
		}
		replies = append(replies, resp)
	}
	return route.Delay, replies
}

func errorResponse(id, msg string) envelope.Response {
	return envelope.Response{
		RequestID:    id,
		RequestState: envelope.RequestState{Type: envelope.StateError, Msg: msg},
	}
}

func isNormalClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
