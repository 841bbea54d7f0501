package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/shellprobe/internal/envelope"
)

// marshalPayload converts an envelope payload to canonical JSON TEXT.
// A nil payload is stored as NULL.
func marshalPayload(payload map[string]any) (sql.NullString, error) {
	if payload == nil {
		return sql.NullString{}, nil
	}
	data, err := envelope.MarshalCanonical(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalPayload parses stored payload JSON, keeping numbers exact.
func unmarshalPayload(data sql.NullString) (map[string]any, error) {
	if !data.Valid {
		return nil, nil
	}
	v, err := envelope.Decode([]byte(data.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unmarshal payload: stored value is %T, want object", v)
	}
	return obj, nil
}

func marshalErrors(errs []string) (string, error) {
	if errs == nil {
		errs = []string{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}
	return string(data), nil
}

func unmarshalErrors(data string) ([]string, error) {
	var errs []string
	if err := json.Unmarshal([]byte(data), &errs); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	if len(errs) == 0 {
		return nil, nil
	}
	return errs, nil
}
