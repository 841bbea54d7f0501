// Package store persists run transcripts in SQLite.
//
// Two tables:
//   - runs: one row per script run (script, start time, pass/fail, errors)
//   - envelopes: the ordered transcript of a run, one row per trace event
//
// Payloads are stored as canonical JSON (envelope.MarshalCanonical) so that
// a transcript read back is byte-for-byte what the golden snapshot would
// contain. Transcripts are ordered by seq, the run's logical clock, never by
// wall time.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Envelopes are deleted with their run
package store
