package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/shellprobe/internal/envelope"
	"github.com/roach88/shellprobe/internal/template"
	"github.com/roach88/shellprobe/internal/transport"
)

// DefaultTimeout is the per-envelope wait used when none is configured.
const DefaultTimeout = 30 * time.Second

// EventKind identifies a session event.
type EventKind string

const (
	EventSent     EventKind = "sent"
	EventReceived EventKind = "received"
	EventLog      EventKind = "log"
)

// Event is emitted for every envelope sent or received and for every Log call.
type Event struct {
	Kind      EventKind
	RequestID string

	// Payload is the envelope in the value model (sent and received only).
	Payload map[string]any

	// Message is set for log events.
	Message string
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator replaces the UUIDv7 request ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Session) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithTokens shares an existing token store.
func WithTokens(tokens *TokenStore) Option {
	return func(s *Session) {
		if tokens != nil {
			s.tokens = tokens
		}
	}
}

// WithTimeout sets how long to wait for each expected envelope.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithSettle makes SendAndValidate wait d after COMPLETE for stray
// envelopes on the same request ID. Zero disables the check.
func WithSettle(d time.Duration) Option {
	return func(s *Session) { s.settle = d }
}

// WithObserver registers a callback for session events. The callback runs
// synchronously on the calling goroutine.
func WithObserver(fn func(Event)) Option {
	return func(s *Session) { s.observer = fn }
}

// Session is the explicit context of one script run: connection, tokens,
// ID generation and the most recent request and response.
//
// Session implements template.Resolver so templates can refer to its state.
type Session struct {
	conn     transport.Conn
	ids      IDGenerator
	tokens   *TokenStore
	logger   *slog.Logger
	timeout  time.Duration
	settle   time.Duration
	observer func(Event)

	mu       sync.Mutex
	lastID   string
	lastResp map[string]any
}

var _ template.Resolver = (*Session)(nil)

// New creates a session over conn.
func New(conn transport.Conn, opts ...Option) *Session {
	s := &Session{
		conn:    conn,
		ids:     UUIDv7Generator{},
		tokens:  NewTokenStore(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome is the result of SendAndValidate.
type Outcome struct {
	RequestID string

	// State is COMPLETE, FAILED or the AWAITING_RESPONSE_<i> state in which
	// the wait was abandoned.
	State string

	// Envelopes are the envelopes received, in order.
	Envelopes []envelope.Response
}

// Passed reports whether the sequence completed.
func (o *Outcome) Passed() bool {
	return o != nil && o.State == "COMPLETE"
}

// Tokens returns the session's token store.
func (s *Session) Tokens() *TokenStore {
	return s.tokens
}

// GenerateRequestID returns a fresh request ID and records it as the last
// generated one.
func (s *Session) GenerateRequestID() string {
	id := s.ids.Generate()
	s.mu.Lock()
	s.lastID = id
	s.mu.Unlock()
	return id
}

// LastGeneratedRequestID returns the most recent request ID generated or sent.
func (s *Session) LastGeneratedRequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// LastRequestID implements template.Resolver.
func (s *Session) LastRequestID() string {
	return s.LastGeneratedRequestID()
}

// LastResponse returns the most recently received envelope.
func (s *Session) LastResponse() (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResp, s.lastResp != nil
}

// Token implements template.Resolver.
func (s *Session) Token(key string) (any, error) {
	return s.tokens.Get(key)
}

// Log records a message in the trace and the structured log.
func (s *Session) Log(msg string) {
	s.logger.Info(msg)
	s.emit(Event{Kind: EventLog, Message: msg})
}

// Send sends req without waiting for responses. A request without an ID is
// given a generated one. The ID is stored in the last_request_id token and
// the sent request is returned.
func (s *Session) Send(ctx context.Context, req envelope.Request) (envelope.Request, error) {
	req = s.prepare(req)
	if err := s.send(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// SendAndValidate sends req and validates the responses for its request ID
// against expected, one template per envelope, in order.
//
// It returns once the sequence completes or fails, when no envelope arrives
// within the per-envelope timeout, or when ctx is done. The Outcome is
// returned in every case except a failure to send.
func (s *Session) SendAndValidate(ctx context.Context, req envelope.Request, expected []template.Template) (*Outcome, error) {
	req = s.prepare(req)

	sub, err := s.conn.Subscribe(req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.RequestID, err)
	}
	defer sub.Close()

	if err := s.send(ctx, req); err != nil {
		return nil, err
	}

	seq := NewSequencer(req.RequestID, expected, s)
	out := &Outcome{RequestID: req.RequestID}
	finish := func(err error) (*Outcome, error) {
		out.State = seq.State()
		if err != nil {
			s.logger.Debug("request failed", "request_id", req.RequestID, "state", out.State, "error", err)
		}
		return out, err
	}

	for seq.Awaiting() {
		resp, err := s.next(ctx, sub, s.timeout)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = &TimeoutError{
					RequestID: req.RequestID,
					Received:  seq.Received(),
					Expected:  seq.Expected(),
					Timeout:   s.timeout,
				}
			}
			return finish(err)
		}

		out.Envelopes = append(out.Envelopes, resp)
		feedErr := seq.Feed(resp)
		s.setLastResponse(resp)
		if feedErr != nil {
			return finish(feedErr)
		}
	}

	if s.settle > 0 {
		resp, err := s.next(ctx, sub, s.settle)
		switch {
		case err == nil:
			out.Envelopes = append(out.Envelopes, resp)
			return finish(seq.Feed(resp))
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		default:
			return finish(err)
		}
	}

	return finish(nil)
}

// ValidateLastResponse matches the most recent envelope against expected.
func (s *Session) ValidateLastResponse(expected template.Template) error {
	last, ok := s.LastResponse()
	if !ok {
		return fmt.Errorf("no response has been received yet")
	}

	m, err := template.Match(expected, last, s)
	if err != nil {
		return err
	}
	if m != nil {
		id, _ := last["request_id"].(string)
		return &MismatchError{RequestID: id, Mismatch: m, Envelope: last}
	}
	return nil
}

func (s *Session) prepare(req envelope.Request) envelope.Request {
	if req.Request == "" {
		req.Request = envelope.RequestExecute
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	if req.RequestID == "" {
		req.RequestID = s.GenerateRequestID()
	} else {
		s.mu.Lock()
		s.lastID = req.RequestID
		s.mu.Unlock()
	}
	// The key is non-empty and the value a string, so Set cannot fail.
	_ = s.tokens.Set(TokenLastRequestID, req.RequestID)
	return req
}

func (s *Session) send(ctx context.Context, req envelope.Request) error {
	payload, err := req.Value()
	if err != nil {
		return fmt.Errorf("request %s: %w", req.RequestID, err)
	}
	s.emit(Event{Kind: EventSent, RequestID: req.RequestID, Payload: payload})
	s.logger.Debug("sending request", "request_id", req.RequestID, "command", req.Command)

	if err := s.conn.Send(ctx, req); err != nil {
		return err
	}
	return nil
}

func (s *Session) next(ctx context.Context, sub *transport.Subscription, wait time.Duration) (envelope.Response, error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	resp, err := sub.Next(ctx)
	if err != nil {
		return envelope.Response{}, err
	}
	s.emit(Event{Kind: EventReceived, RequestID: resp.RequestID, Payload: resp.Value()})
	return resp, nil
}

func (s *Session) setLastResponse(resp envelope.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResp = resp.Value()
}

func (s *Session) emit(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}
