package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WriteRun stores a run and its transcript in one transaction.
// A run without an ID is given a UUIDv7. Returns the run ID.
func (s *Store) WriteRun(ctx context.Context, run Run, transcript []Envelope) (string, error) {
	if run.ID == "" {
		run.ID = uuid.Must(uuid.NewV7()).String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	errsJSON, err := marshalErrors(run.Errors)
	if err != nil {
		return "", fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("write run: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, script, path, started_at, duration_ms, pass, code, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Script,
		run.Path,
		run.StartedAt.UTC().Format(timeLayout),
		run.Duration.Milliseconds(),
		run.Pass,
		run.Code,
		errsJSON,
	)
	if err != nil {
		return "", fmt.Errorf("write run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO envelopes
		(run_id, seq, kind, request_id, payload, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	defer stmt.Close()

	for _, env := range transcript {
		payload, err := marshalPayload(env.Payload)
		if err != nil {
			return "", fmt.Errorf("write transcript seq %d: %w", env.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx, run.ID, env.Seq, env.Kind, env.RequestID, payload, env.Message); err != nil {
			return "", fmt.Errorf("write transcript seq %d: %w", env.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("write run: commit: %w", err)
	}
	return run.ID, nil
}

// DeleteRun removes a run and its transcript.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete run %s: %w", id, ErrNotFound)
	}
	return nil
}
