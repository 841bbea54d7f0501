package harness

import "github.com/roach88/shellprobe/internal/session"

// TraceEvent is one entry of a run's transcript.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"` // "sent", "received" or "log"

	RequestID string         `json:"request_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Result is the outcome of running a script.
type Result struct {
	// Name is the script name.
	Name string `json:"name"`

	// Pass is true if every step succeeded.
	Pass bool `json:"pass"`

	// Trace holds every envelope sent and received, and every log step,
	// in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Code is the session.ErrorCode of the failure, if it has one.
	Code session.ErrorCode `json:"code,omitempty"`

	// Tokens is the token store after the run.
	Tokens map[string]any `json:"tokens,omitempty"`

	// Failure is the first failure, for errors.As inspection.
	Failure error `json:"-"`
}

// NewResult creates a passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:   name,
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// Fail records err and marks the result as failed.
func (r *Result) Fail(err error) {
	if r.Failure == nil {
		r.Failure = err
		r.Code = session.CodeOf(err)
	}
	r.Errors = append(r.Errors, err.Error())
	r.Pass = false
}

// addEvent converts a session event into a trace event.
func (r *Result) addEvent(ev session.Event, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:       seq,
		Type:      string(ev.Kind),
		RequestID: ev.RequestID,
		Payload:   ev.Payload,
		Message:   ev.Message,
	})
}
