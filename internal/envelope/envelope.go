package envelope

import (
	"encoding/json"
	"fmt"
)

// RequestExecute is the request kind used for backend commands.
const RequestExecute = "execute"

// State is the request_state.type of a response envelope.
type State string

// Response states.
const (
	StatePending State = "PENDING"
	StateOK      State = "OK"
	StateError   State = "ERROR"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateOK, StateError:
		return true
	}
	return false
}

// Request is a command envelope sent to the backend.
type Request struct {
	Request   string         `json:"request"`
	Command   string         `json:"command"`
	Args      map[string]any `json:"args"`
	RequestID string         `json:"request_id"`
}

// NewRequest creates an execute request for command with the given args.
// The request ID is left empty for the session to assign.
func NewRequest(command string, args map[string]any) Request {
	if args == nil {
		args = map[string]any{}
	}
	return Request{
		Request: RequestExecute,
		Command: command,
		Args:    args,
	}
}

// Value returns the request in the envelope value model.
// The trace and the matcher see requests in this form.
func (r Request) Value() (map[string]any, error) {
	args, err := Normalize(r.Args)
	if err != nil {
		return nil, fmt.Errorf("request args: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	kind := r.Request
	if kind == "" {
		kind = RequestExecute
	}
	return map[string]any{
		"request":    kind,
		"command":    r.Command,
		"args":       args,
		"request_id": r.RequestID,
	}, nil
}

// MarshalJSON encodes the request, defaulting request to "execute".
func (r Request) MarshalJSON() ([]byte, error) {
	v, err := r.Value()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// RequestState carries the state type and message of a response.
type RequestState struct {
	Type State  `json:"type"`
	Msg  string `json:"msg"`
}

// Response is a single envelope received from the backend.
type Response struct {
	RequestID    string
	RequestState RequestState
	Result       any
	HasResult    bool
	Done         bool

	// Raw is the full decoded envelope, including fields the harness does
	// not interpret. Templates are matched against Raw.
	Raw map[string]any
}

// DecodeResponse parses a response envelope.
// Structural problems (not an object, wrong field types) are errors;
// protocol rules are checked separately by Validate.
func DecodeResponse(data []byte) (Response, error) {
	v, err := Decode(data)
	if err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return Response{}, fmt.Errorf("decode response: envelope is %T, want object", v)
	}
	return ResponseFromValue(raw)
}

// ResponseFromValue builds a Response from an already decoded envelope.
func ResponseFromValue(raw map[string]any) (Response, error) {
	resp := Response{Raw: raw}

	if id, ok := raw["request_id"]; ok {
		s, ok := id.(string)
		if !ok {
			return Response{}, fmt.Errorf("decode response: request_id is %T, want string", id)
		}
		resp.RequestID = s
	}

	if st, ok := raw["request_state"]; ok {
		obj, ok := st.(map[string]any)
		if !ok {
			return Response{}, fmt.Errorf("decode response: request_state is %T, want object", st)
		}
		if t, ok := obj["type"].(string); ok {
			resp.RequestState.Type = State(t)
		}
		if m, ok := obj["msg"].(string); ok {
			resp.RequestState.Msg = m
		}
	}

	if result, ok := raw["result"]; ok {
		resp.Result = result
		resp.HasResult = true
	}

	if d, ok := raw["done"]; ok {
		b, ok := d.(bool)
		if !ok {
			return Response{}, fmt.Errorf("decode response: done is %T, want bool", d)
		}
		resp.Done = b
	}

	return resp, nil
}

// Value returns the envelope in the value model. Raw is returned when the
// response was decoded; otherwise it is rebuilt from the typed fields.
func (r Response) Value() map[string]any {
	if r.Raw != nil {
		return r.Raw
	}
	v := map[string]any{
		"request_id": r.RequestID,
		"request_state": map[string]any{
			"type": string(r.RequestState.Type),
			"msg":  r.RequestState.Msg,
		},
	}
	if r.HasResult {
		if n, err := Normalize(r.Result); err == nil {
			v["result"] = n
		}
	}
	if r.Done {
		v["done"] = true
	}
	return v
}

// MarshalJSON encodes the response envelope.
func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Value())
}

// Terminal reports whether no further envelopes follow this one.
func (r Response) Terminal() bool {
	return r.RequestState.Type == StateError || r.Done
}

// Validate checks the protocol invariants of a single envelope.
func (r Response) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("response has no request_id")
	}
	if !r.RequestState.Type.Valid() {
		return fmt.Errorf("response %s: unknown request_state.type %q", r.RequestID, r.RequestState.Type)
	}
	if r.Done && r.RequestState.Type != StateOK {
		return fmt.Errorf("response %s: done is only allowed on OK, got %s", r.RequestID, r.RequestState.Type)
	}
	return nil
}
