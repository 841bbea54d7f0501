// Package transport carries envelopes between the harness and a backend.
//
// A Mux owns one persistent connection. Its read loop decodes every incoming
// envelope and routes it to the subscription registered for its request_id,
// preserving arrival order per request. Requests with different IDs proceed
// independently, so no locking is needed beyond the routing table.
//
// Two framings are provided: WebSocket text messages (DialWebSocket) and
// newline-delimited JSON over a byte stream (NewStream, Spawn).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/shellprobe/internal/envelope"
)

// ErrClosed is returned once the connection has been closed or lost.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a connection that can send requests and deliver responses by
// request ID.
type Conn interface {
	// Send writes a request envelope.
	Send(ctx context.Context, req envelope.Request) error

	// Subscribe registers interest in responses for requestID. Subscribe
	// before sending so that no envelope is missed.
	Subscribe(requestID string) (*Subscription, error)

	// Close shuts the connection down and fails all subscriptions.
	Close() error
}

// Framer reads and writes whole envelope frames.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the logger used for routing diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mux) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Mux multiplexes request/response streams over a single Framer.
type Mux struct {
	framer Framer
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*Subscription
	closed  bool
	err     error
	closing bool

	done chan struct{}
}

var _ Conn = (*Mux)(nil)

// NewMux starts routing envelopes read from f.
func NewMux(f Framer, opts ...Option) *Mux {
	m := &Mux{
		framer: f,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		subs:   make(map[string]*Subscription),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.readLoop()
	return m
}

// Send encodes req and writes it as one frame.
func (m *Mux) Send(ctx context.Context, req envelope.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", req.RequestID, err)
	}

	m.mu.Lock()
	closed, cause := m.closed, m.err
	m.mu.Unlock()
	if closed {
		return cause
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.framer.WriteFrame(ctx, data); err != nil {
		return fmt.Errorf("send request %s: %w", req.RequestID, err)
	}
	m.logger.Debug("envelope sent", "request_id", req.RequestID, "command", req.Command)
	return nil
}

// Subscribe registers a subscription for requestID.
// Only one subscription per request ID may be active.
func (m *Mux) Subscribe(requestID string) (*Subscription, error) {
	if requestID == "" {
		return nil, fmt.Errorf("subscribe: empty request ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, m.err
	}
	if _, exists := m.subs[requestID]; exists {
		return nil, fmt.Errorf("subscribe: request ID %s already has a subscriber", requestID)
	}

	sub := &Subscription{
		requestID: requestID,
		queue:     newResponseQueue(),
		mux:       m,
	}
	m.subs[requestID] = sub
	return sub, nil
}

// Close closes the framer and waits for the read loop to exit.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closing = true
	m.mu.Unlock()

	err := m.framer.Close()
	<-m.done
	return err
}

// Done is closed when the read loop has stopped.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the reason the connection stopped, or nil while it is open.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Mux) readLoop() {
	defer close(m.done)

	for {
		data, err := m.framer.ReadFrame()
		if err != nil {
			m.shutdown(err)
			return
		}

		resp, err := envelope.DecodeResponse(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}
		m.route(resp)
	}
}

func (m *Mux) route(resp envelope.Response) {
	m.mu.Lock()
	sub := m.subs[resp.RequestID]
	m.mu.Unlock()

	if sub == nil {
		m.logger.Debug("dropping unrouted envelope",
			"request_id", resp.RequestID,
			"state", resp.RequestState.Type,
		)
		return
	}

	if !sub.queue.push(resp) {
		m.logger.Debug("dropping envelope for closed subscription", "request_id", resp.RequestID)
		return
	}
	m.logger.Debug("envelope received",
		"request_id", resp.RequestID,
		"state", resp.RequestState.Type,
		"done", resp.Done,
	)
}

func (m *Mux) shutdown(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		m.err = ErrClosed
	} else {
		m.err = fmt.Errorf("%w: %v", ErrClosed, cause)
		m.logger.Warn("connection lost", "error", cause)
	}
	m.closed = true

	for id, sub := range m.subs {
		sub.queue.close(m.err)
		delete(m.subs, id)
	}
}

func (m *Mux) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[sub.requestID] == sub {
		delete(m.subs, sub.requestID)
	}
}

// Subscription delivers the responses for one request ID in arrival order.
type Subscription struct {
	requestID string
	queue     *responseQueue
	mux       *Mux
	once      sync.Once
}

// RequestID returns the request ID this subscription follows.
func (s *Subscription) RequestID() string {
	return s.requestID
}

// Next blocks until the next envelope arrives, ctx is done, or the
// connection is lost. Envelopes already buffered are delivered before a
// connection error is reported.
func (s *Subscription) Next(ctx context.Context) (envelope.Response, error) {
	for {
		resp, ok, err := s.queue.tryPop()
		if ok {
			return resp, nil
		}
		if err != nil {
			return envelope.Response{}, err
		}

		select {
		case <-ctx.Done():
			return envelope.Response{}, ctx.Err()
		case <-s.queue.wait():
		}
	}
}

// Close stops routing to this subscription. Later envelopes for the same
// request ID are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mux.unsubscribe(s)
		s.queue.close(ErrClosed)
	})
}
