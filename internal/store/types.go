package store

import "time"

// Run is the summary row of one script run.
type Run struct {
	ID        string        `json:"id"`
	Script    string        `json:"script"`
	Path      string        `json:"path,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Pass      bool          `json:"pass"`
	Code      string        `json:"code,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}

// Envelope is one transcript entry of a run.
type Envelope struct {
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	RequestID string         `json:"request_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// ListOptions filters ListRuns.
type ListOptions struct {
	// Script restricts the listing to runs of one script name.
	Script string

	// FailedOnly restricts the listing to failed runs.
	FailedOnly bool

	// Limit caps the number of runs returned. Zero means 50.
	Limit int
}
