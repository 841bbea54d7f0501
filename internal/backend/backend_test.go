package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shellprobe/internal/envelope"
	"github.com/roach88/shellprobe/internal/session"
	"github.com/roach88/shellprobe/internal/template"
	"github.com/roach88/shellprobe/internal/transport"
)

func loadTestBackend(t *testing.T) *Backend {
	t.Helper()
	f, err := LoadFixture("testdata/shell.yaml")
	require.NoError(t, err)
	return New(f)
}

func request(command string, args map[string]any, id string) map[string]any {
	req := envelope.NewRequest(command, args)
	req.RequestID = id
	v, _ := req.Value()
	return v
}

func TestParseFixture_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown field", "routes:\n  - command: A\n    reply: []\n", "field reply not found"},
		{"missing command", "routes:\n  - responses: [{type: OK}]\n", "command is required"},
		{"no responses", "routes:\n  - command: A\n", "responses list is required"},
		{"bad type", "routes:\n  - command: A\n    responses: [{type: DONE}]\n", `unknown type "DONE"`},
		{"done on error", "routes:\n  - command: A\n    responses: [{type: ERROR, done: true}]\n", "done is only allowed on OK"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFixture([]byte(tc.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRespond_Routing(t *testing.T) {
	b := loadTestBackend(t)

	t.Run("args subset selects first route", func(t *testing.T) {
		replies := b.Respond(request("ListConnections", map[string]any{"verbose": true, "limit": 5}, "r1"))
		require.Len(t, replies, 2)
		assert.Equal(t, envelope.StatePending, replies[0].RequestState.Type)
		rows, ok := replies[1].Result.([]any)
		require.True(t, ok)
		assert.Len(t, rows, 2)
		assert.IsType(t, map[string]any{}, rows[0])
	})

	t.Run("falls through to catch-all route", func(t *testing.T) {
		replies := b.Respond(request("ListConnections", nil, "r2"))
		require.Len(t, replies, 2)
		assert.Equal(t, []any{"local", "staging"}, replies[1].Result)
		assert.Equal(t, "r2", replies[1].RequestID)
	})

	t.Run("unknown command answers ERROR", func(t *testing.T) {
		replies := b.Respond(request("Nope", nil, "r3"))
		require.Len(t, replies, 1)
		assert.Equal(t, envelope.StateError, replies[0].RequestState.Type)
		assert.Equal(t, "unknown command: Nope", replies[0].RequestState.Msg)
		assert.True(t, replies[0].Terminal())
	})

	t.Run("echo args", func(t *testing.T) {
		replies := b.Respond(request("Echo", map[string]any{"n": 1}, "r4"))
		require.Len(t, replies, 1)
		assert.Equal(t, map[string]any{"n": json.Number("1")}, replies[0].Result)
	})

	t.Run("numbers are normalized", func(t *testing.T) {
		replies := b.Respond(request("Slow", nil, "r5"))
		assert.Equal(t, json.Number("42"), replies[1].Result)
	})
}

func TestServeStream(t *testing.T) {
	b := loadTestBackend(t)

	in := strings.Join([]string{
		`{"request":"execute","command":"GetVersion","args":{},"request_id":"a"}`,
		``,
		`not json`,
		`{"request":"execute","command":"Fail","args":{},"request_id":"b"}`,
	}, "\n")

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- b.ServeStream(context.Background(), strings.NewReader(in), pw)
		pw.Close()
	}()

	byID := map[string]map[string]any{}
	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		v, err := envelope.Decode(scanner.Bytes())
		require.NoError(t, err)
		m := v.(map[string]any)
		byID[m["request_id"].(string)] = m
	}
	require.NoError(t, <-done)

	require.Len(t, byID, 2)
	assert.Equal(t, "1.4.2", byID["a"]["result"])
	assert.Equal(t, true, byID["a"]["done"])
	state := byID["b"]["request_state"].(map[string]any)
	assert.Equal(t, "ERROR", state["type"])
	assert.Equal(t, "permission denied", state["msg"])
}

func TestServeStream_CancelUnblocksRead(t *testing.T) {
	b := loadTestBackend(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.ServeStream(ctx, pr, io.Discard) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStream did not return after cancel with stdin still open")
	}
}

func TestServeHTTP_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(loadTestBackend(t))
	defer srv.Close()

	mux, err := transport.DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer mux.Close()

	s := session.New(mux, session.WithTimeout(2*time.Second))

	expected := []template.Template{
		template.Object(map[string]template.Template{
			"request_id":    template.LastRequestID(),
			"request_state": template.Object(map[string]template.Template{"type": template.Literal("PENDING")}),
		}),
		template.Object(map[string]template.Template{
			"request_id": template.LastRequestID(),
			"result":     template.MustRegex(`^\d+$`),
			"done":       template.Literal(true),
		}),
	}
	out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Slow", nil), expected)
	require.NoError(t, err)
	assert.True(t, out.Passed())

	out, err = s.SendAndValidate(context.Background(), envelope.NewRequest("Missing", nil), []template.Template{
		template.Object(map[string]template.Template{
			"request_state": template.Object(map[string]template.Template{"type": template.Literal("ERROR")}),
		}),
	})
	require.NoError(t, err)
	assert.Len(t, out.Envelopes, 1)
}
