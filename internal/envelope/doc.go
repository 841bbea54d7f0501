// Package envelope defines the JSON messages exchanged with a shell backend.
//
// A command is sent as a request envelope:
//
//	{"request": "execute", "command": "gui.db.get_table_object", "args": {...}, "request_id": "..."}
//
// and answered by one or more response envelopes carrying the same request_id:
//
//	{"request_id": "...", "request_state": {"type": "PENDING", "msg": ""}, "result": ...}
//	{"request_id": "...", "request_state": {"type": "OK", "msg": ""}, "done": true}
//
// Envelopes for one request_id arrive in send order. The last one is either
// an ERROR envelope or carries done: true; only OK may carry done.
//
// # Value Model
//
// Decoded payloads use a closed set of Go types: nil, bool, string,
// json.Number, []any and map[string]any. Normalize converts values produced
// by other decoders (YAML ints, float64) into this set so that Equal can
// compare numbers by value rather than by Go type.
//
// MarshalCanonical renders values as canonical JSON (RFC 8785 key order,
// NFC-normalized strings, no HTML escaping). Golden transcripts and persisted
// payloads use it so identical exchanges produce identical bytes.
package envelope
