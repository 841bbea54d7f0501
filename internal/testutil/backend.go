package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/roach88/shellprobe/internal/backend"
	"github.com/roach88/shellprobe/internal/transport"
)

// StartBackend serves fixture YAML over WebSocket and returns the ws:// URL.
// The server is closed when the test ends.
func StartBackend(t testing.TB, fixtureYAML string) string {
	t.Helper()

	f, err := backend.ParseFixture([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}

	srv := httptest.NewServer(backend.New(f))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// DialBackend starts a backend for fixture YAML and connects to it.
// The connection is closed when the test ends.
func DialBackend(t testing.TB, fixtureYAML string) *transport.Mux {
	t.Helper()

	mux, err := transport.DialWebSocket(context.Background(), StartBackend(t, fixtureYAML), nil)
	if err != nil {
		t.Fatalf("dial backend: %v", err)
	}
	t.Cleanup(func() { _ = mux.Close() })
	return mux
}
