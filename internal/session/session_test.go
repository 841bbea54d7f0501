package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shellprobe/internal/envelope"
	"github.com/roach88/shellprobe/internal/template"
	"github.com/roach88/shellprobe/internal/transport"
)

// scriptedConn connects a session to a backend that answers each command
// with a fixed list of envelopes. %[1]q in a line is replaced by the
// request ID.
func scriptedConn(t *testing.T, replies map[string][]string) transport.Conn {
	t.Helper()

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			var req struct {
				Command   string `json:"command"`
				RequestID string `json:"request_id"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			for _, line := range replies[req.Command] {
				if _, err := fmt.Fprintln(server, fmt.Sprintf(line, req.RequestID)); err != nil {
					return
				}
			}
		}
	}()

	mux := transport.NewStream(client)
	t.Cleanup(func() { _ = mux.Close() })
	return mux
}

const (
	pending = `{"request_id":%[1]q,"request_state":{"type":"PENDING","msg":""}}`
	okDone  = `{"request_id":%[1]q,"request_state":{"type":"OK","msg":""},"result":"42","done":true}`
)

func stateTemplate(state string) template.Template {
	return template.Object(map[string]template.Template{
		"request_id":    template.LastRequestID(),
		"request_state": template.Object(map[string]template.Template{"type": template.Literal(state)}),
	})
}

func newTestSession(t *testing.T, replies map[string][]string, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithIDGenerator(NewSequentialGenerator("req")),
		WithTimeout(time.Second),
	}, opts...)
	return New(scriptedConn(t, replies), opts...)
}

func TestSendAndValidate_RegexOnResult(t *testing.T) {
	expected := []template.Template{
		stateTemplate("PENDING"),
		template.Object(map[string]template.Template{
			"request_id": template.LastRequestID(),
			"result":     template.MustRegex(`\d`),
			"done":       template.Literal(true),
		}),
	}

	t.Run("digits pass", func(t *testing.T) {
		s := newTestSession(t, map[string][]string{"Compute": {pending, okDone}})

		out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Compute", nil), expected)
		require.NoError(t, err)
		assert.True(t, out.Passed())
		assert.Equal(t, "COMPLETE", out.State)
		assert.Len(t, out.Envelopes, 2)
		assert.Equal(t, "req-1", out.RequestID)
	})

	t.Run("letters fail on result", func(t *testing.T) {
		abc := `{"request_id":%[1]q,"request_state":{"type":"OK","msg":""},"result":"abc","done":true}`
		s := newTestSession(t, map[string][]string{"Compute": {pending, abc}})

		out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Compute", nil), expected)
		require.Error(t, err)
		assert.Equal(t, "FAILED", out.State)

		var me *MismatchError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, 2, me.Index)
		assert.Equal(t, 2, me.Total)
		assert.Equal(t, "result", me.Field())
		assert.Equal(t, CodeMismatch, CodeOf(err))
	})
}

func TestSendAndValidate_ErrorEnvelopeCompletes(t *testing.T) {
	errEnv := `{"request_id":%[1]q,"request_state":{"type":"ERROR","msg":"unknown command"}}`
	s := newTestSession(t, map[string][]string{"Bogus": {errEnv}})

	expected := []template.Template{
		template.Object(map[string]template.Template{
			"request_id": template.LastRequestID(),
			"request_state": template.Object(map[string]template.Template{
				"type": template.Literal("ERROR"),
				"msg":  template.Ignore(),
			}),
		}),
	}

	out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Bogus", nil), expected)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETE", out.State)
	assert.Len(t, out.Envelopes, 1)
}

func TestSendAndValidate_TokenResolvedPerEnvelope(t *testing.T) {
	reply := `{"request_id":%[1]q,"request_state":{"type":"OK","msg":""},"result":{"id":8},"done":true}`
	s := newTestSession(t, map[string][]string{"GetCategory": {reply}})
	require.NoError(t, s.Tokens().Set("category_id", 7))

	expected := []template.Template{
		template.Object(map[string]template.Template{
			"result": template.Object(map[string]template.Template{"id": template.Token("category_id")}),
		}),
	}

	_, err := s.SendAndValidate(context.Background(), envelope.NewRequest("GetCategory", nil), expected)
	require.Error(t, err)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "result.id", me.Field())

	require.NoError(t, s.Tokens().Set("category_id", 8))
	out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("GetCategory", nil), expected)
	require.NoError(t, err)
	assert.True(t, out.Passed())
}

func TestSendAndValidate_UnknownToken(t *testing.T) {
	s := newTestSession(t, map[string][]string{"Compute": {okDone}})

	expected := []template.Template{
		template.Object(map[string]template.Template{"result": template.Token("never_set")}),
	}
	_, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Compute", nil), expected)
	require.Error(t, err)
	assert.True(t, IsUnknownToken(err))
	assert.False(t, IsMismatch(err))
}

func TestSendAndValidate_PrematureTermination(t *testing.T) {
	s := newTestSession(t, map[string][]string{"Compute": {okDone}})

	expected := []template.Template{stateTemplate("OK"), stateTemplate("OK")}
	out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Compute", nil), expected)
	require.Error(t, err)
	assert.Equal(t, CodePrematureTermination, CodeOf(err))
	assert.Equal(t, "FAILED", out.State)
}

func TestSendAndValidate_Timeout(t *testing.T) {
	s := newTestSession(t, map[string][]string{"Slow": {pending}}, WithTimeout(50*time.Millisecond))

	expected := []template.Template{stateTemplate("PENDING"), stateTemplate("OK")}
	out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Slow", nil), expected)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Received)
	assert.Equal(t, 2, te.Expected)
	assert.Equal(t, "AWAITING_RESPONSE_2", out.State)
}

func TestSendAndValidate_SettleDetectsExtraEnvelope(t *testing.T) {
	s := newTestSession(t,
		map[string][]string{"Chatty": {okDone, okDone}},
		WithSettle(200*time.Millisecond),
	)

	out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Chatty", nil), []template.Template{stateTemplate("OK")})
	require.Error(t, err)
	assert.Equal(t, CodeUnexpectedEnvelope, CodeOf(err))
	assert.Equal(t, "FAILED", out.State)
	assert.Len(t, out.Envelopes, 2)
}

func TestSendAndValidate_SettleQuietPasses(t *testing.T) {
	s := newTestSession(t,
		map[string][]string{"Compute": {okDone}},
		WithSettle(20*time.Millisecond),
	)

	out, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Compute", nil), []template.Template{stateTemplate("OK")})
	require.NoError(t, err)
	assert.True(t, out.Passed())
}

func TestSendAndValidate_ProtocolViolation(t *testing.T) {
	bad := `{"request_id":%[1]q,"request_state":{"type":"PENDING","msg":""},"done":true}`
	s := newTestSession(t, map[string][]string{"Broken": {bad}})

	_, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Broken", nil), []template.Template{template.Ignore()})
	require.Error(t, err)
	assert.Equal(t, CodeProtocol, CodeOf(err))
}

func TestSendAndValidate_ResponseReferenceSeesPreviousEnvelope(t *testing.T) {
	first := `{"request_id":%[1]q,"request_state":{"type":"PENDING","msg":""},"result":{"session":"s-1"}}`
	second := `{"request_id":%[1]q,"request_state":{"type":"OK","msg":""},"result":{"session":"s-1"},"done":true}`
	s := newTestSession(t, map[string][]string{"Open": {first, second}})

	expected := []template.Template{
		template.Ignore(),
		template.Object(map[string]template.Template{
			"result": template.Object(map[string]template.Template{"session": template.Response("result.session")}),
		}),
	}
	_, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Open", nil), expected)
	require.NoError(t, err)

	last, ok := s.LastResponse()
	require.True(t, ok)
	assert.Equal(t, true, last["done"])
}

func TestSend_AssignsAndRecordsRequestID(t *testing.T) {
	s := newTestSession(t, nil)

	req, err := s.Send(context.Background(), envelope.NewRequest("Fire", nil))
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "req-1", s.LastGeneratedRequestID())

	tok, err := s.Tokens().Get(TokenLastRequestID)
	require.NoError(t, err)
	assert.Equal(t, "req-1", tok)

	explicit := envelope.NewRequest("Fire", nil)
	explicit.RequestID = "mine"
	req, err = s.Send(context.Background(), explicit)
	require.NoError(t, err)
	assert.Equal(t, "mine", req.RequestID)
	assert.Equal(t, "mine", s.LastRequestID())
}

func TestGenerateRequestID_NeverRepeats(t *testing.T) {
	s := New(nil)

	a := s.GenerateRequestID()
	b := s.GenerateRequestID()
	assert.NotEqual(t, a, b)
	assert.Equal(t, b, s.LastGeneratedRequestID())
}

func TestValidateLastResponse(t *testing.T) {
	s := newTestSession(t, map[string][]string{"Compute": {okDone}})

	assert.Error(t, s.ValidateLastResponse(template.Ignore()))

	_, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Compute", nil), []template.Template{template.Ignore()})
	require.NoError(t, err)

	assert.NoError(t, s.ValidateLastResponse(template.Object(map[string]template.Template{"result": template.Literal("42")})))

	err = s.ValidateLastResponse(template.Object(map[string]template.Template{"result": template.Literal("43")}))
	require.Error(t, err)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 0, me.Index)
	assert.Contains(t, err.Error(), "last response")
}

func TestObserver_SeesTraffic(t *testing.T) {
	var events []Event
	s := newTestSession(t,
		map[string][]string{"Compute": {pending, okDone}},
		WithObserver(func(ev Event) { events = append(events, ev) }),
	)

	s.Log("starting")
	_, err := s.SendAndValidate(context.Background(), envelope.NewRequest("Compute", map[string]any{"n": 1}), []template.Template{template.Ignore(), template.Ignore()})
	require.NoError(t, err)

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventLog, EventSent, EventReceived, EventReceived}, kinds)
	assert.Equal(t, "Compute", events[1].Payload["command"])
	assert.Equal(t, map[string]any{"n": json.Number("1")}, events[1].Payload["args"])
}
