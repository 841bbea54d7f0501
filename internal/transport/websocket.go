package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocketFramer frames envelopes as WebSocket text messages.
type WebSocketFramer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocketFramer wraps an established WebSocket connection.
func NewWebSocketFramer(conn *websocket.Conn) *WebSocketFramer {
	return &WebSocketFramer{conn: conn}
}

// ReadFrame returns the payload of the next data message.
func (f *WebSocketFramer) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteFrame writes data as one text message, honoring the ctx deadline.
func (f *WebSocketFramer) WriteFrame(ctx context.Context, data []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the socket.
func (f *WebSocketFramer) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return f.conn.Close()
}

// DialWebSocket connects to a backend at url ("ws://" or "wss://").
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...Option) (*Mux, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewMux(NewWebSocketFramer(conn), opts...), nil
}
