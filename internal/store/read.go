package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const defaultListLimit = 50

// timeLayout is fixed-width so that started_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		where []string
		args  []any
	)
	if opts.Script != "" {
		where = append(where, "script = ?")
		args = append(args, opts.Script)
	}
	if opts.FailedOnly {
		where = append(where, "pass = 0")
	}

	query := `SELECT id, script, path, started_at, duration_ms, pass, code, errors FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id COLLATE BINARY DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns the run with the given ID. A unique ID prefix is accepted.
// Returns ErrNotFound when nothing matches.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	if id == "" {
		return Run{}, fmt.Errorf("read run: empty ID")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script, path, started_at, duration_ms, pass, code, errors
		FROM runs
		WHERE id = ? OR substr(id, 1, length(?)) = ?
		ORDER BY id COLLATE BINARY ASC
		LIMIT 2
	`, id, id, id)
	if err != nil {
		return Run{}, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()

	var matches []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return Run{}, err
		}
		if run.ID == id {
			return run, nil
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return Run{}, fmt.Errorf("iterate run: %w", err)
	}

	switch len(matches) {
	case 0:
		return Run{}, fmt.Errorf("read run %s: %w", id, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return Run{}, fmt.Errorf("read run: prefix %q is ambiguous", id)
	}
}

// ReadTranscript returns the transcript of a run ordered by seq.
// Returns an empty slice (not nil) for a run without events.
func (s *Store) ReadTranscript(ctx context.Context, runID string) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, request_id, payload, message
		FROM envelopes
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	transcript := []Envelope{}
	for rows.Next() {
		var (
			env     Envelope
			payload sql.NullString
		)
		if err := rows.Scan(&env.Seq, &env.Kind, &env.RequestID, &payload, &env.Message); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		if env.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, err
		}
		transcript = append(transcript, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return transcript, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		run        Run
		startedAt  string
		durationMS int64
		errsJSON   string
	)
	if err := rows.Scan(&run.ID, &run.Script, &run.Path, &startedAt, &durationMS, &run.Pass, &run.Code, &errsJSON); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	t, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("scan run %s: started_at: %w", run.ID, err)
	}
	run.StartedAt = t
	run.Duration = time.Duration(durationMS) * time.Millisecond

	if run.Errors, err = unmarshalErrors(errsJSON); err != nil {
		return Run{}, fmt.Errorf("scan run %s: %w", run.ID, err)
	}
	return run, nil
}
