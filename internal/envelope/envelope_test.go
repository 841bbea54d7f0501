package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponse_Pending(t *testing.T) {
	data := []byte(`{"request_id":"r1","request_state":{"type":"PENDING","msg":""},"result":42}`)

	resp, err := DecodeResponse(data)
	require.NoError(t, err)

	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, StatePending, resp.RequestState.Type)
	assert.True(t, resp.HasResult)
	assert.Equal(t, json.Number("42"), resp.Result)
	assert.False(t, resp.Terminal())
	assert.NoError(t, resp.Validate())
}

func TestDecodeResponse_KeepsUnknownFields(t *testing.T) {
	data := []byte(`{"request_id":"r1","request_state":{"type":"OK","msg":""},"done":true,"module_session_id":"abc"}`)

	resp, err := DecodeResponse(data)
	require.NoError(t, err)

	assert.Equal(t, "abc", resp.Raw["module_session_id"])
	assert.True(t, resp.Terminal())
}

func TestDecodeResponse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an object", `[1,2]`},
		{"request_id not a string", `{"request_id":5}`},
		{"request_state not an object", `{"request_id":"r","request_state":"OK"}`},
		{"done not a bool", `{"request_id":"r","done":"yes"}`},
		{"trailing data", `{"request_id":"r"} {}`},
		{"malformed", `{"request_id":`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestResponseValidate(t *testing.T) {
	tests := []struct {
		name    string
		resp    Response
		wantErr string
	}{
		{
			name: "ok with done",
			resp: Response{RequestID: "r", RequestState: RequestState{Type: StateOK}, Done: true},
		},
		{
			name: "error without done",
			resp: Response{RequestID: "r", RequestState: RequestState{Type: StateError, Msg: "boom"}},
		},
		{
			name:    "missing request id",
			resp:    Response{RequestState: RequestState{Type: StateOK}},
			wantErr: "no request_id",
		},
		{
			name:    "unknown state",
			resp:    Response{RequestID: "r", RequestState: RequestState{Type: "DONE"}},
			wantErr: "unknown request_state.type",
		},
		{
			name:    "done on error",
			resp:    Response{RequestID: "r", RequestState: RequestState{Type: StateError}, Done: true},
			wantErr: "done is only allowed on OK",
		},
		{
			name:    "done on pending",
			resp:    Response{RequestID: "r", RequestState: RequestState{Type: StatePending}, Done: true},
			wantErr: "done is only allowed on OK",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.resp.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestResponseTerminal(t *testing.T) {
	assert.True(t, Response{RequestState: RequestState{Type: StateError}}.Terminal())
	assert.True(t, Response{RequestState: RequestState{Type: StateOK}, Done: true}.Terminal())
	assert.False(t, Response{RequestState: RequestState{Type: StateOK}}.Terminal())
	assert.False(t, Response{RequestState: RequestState{Type: StatePending}}.Terminal())
}

func TestRequestMarshalJSON(t *testing.T) {
	req := NewRequest("gui.modules.add_data_category", map[string]any{
		"name":   "SQL Editor Module Option",
		"parent": 1,
	})
	req.RequestID = "req-1"

	data, err := json.Marshal(req)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"request": "execute",
		"command": "gui.modules.add_data_category",
		"args": {"name": "SQL Editor Module Option", "parent": 1},
		"request_id": "req-1"
	}`, string(data))
}

func TestRequestMarshalJSON_DefaultsKind(t *testing.T) {
	req := Request{Command: "gui.core.ping", RequestID: "r"}

	v, err := req.Value()
	require.NoError(t, err)
	assert.Equal(t, "execute", v["request"])
	assert.Equal(t, map[string]any{}, v["args"])
}

func TestResponseValue_RebuildsWithoutRaw(t *testing.T) {
	resp := Response{
		RequestID:    "r",
		RequestState: RequestState{Type: StateOK, Msg: "done"},
		Result:       map[string]any{"id": 7},
		HasResult:    true,
		Done:         true,
	}

	v := resp.Value()
	assert.Equal(t, "r", v["request_id"])
	assert.Equal(t, map[string]any{"id": json.Number("7")}, v["result"])
	assert.Equal(t, true, v["done"])
}
