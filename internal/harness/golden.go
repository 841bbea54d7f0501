package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/shellprobe/internal/envelope"
)

// Snapshot renders a result as canonical JSON for golden comparison.
//
// Only the script name, the pass flag, the trace and the errors are
// included. Request IDs in the trace are stable only when the run used
// deterministic IDs.
func Snapshot(result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"type": ev.Type,
		}
		if ev.RequestID != "" {
			m["request_id"] = ev.RequestID
		}
		if ev.Payload != nil {
			m["payload"] = ev.Payload
		}
		if ev.Message != "" {
			m["message"] = ev.Message
		}
		trace[i] = m
	}

	snapshot := map[string]any{
		"name":  result.Name,
		"pass":  result.Pass,
		"trace": trace,
	}
	if len(result.Errors) > 0 {
		errs := make([]any, len(result.Errors))
		for i, e := range result.Errors {
			errs[i] = e
		}
		snapshot["errors"] = errs
	}

	data, err := envelope.MarshalCanonical(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// GoldenPath returns the golden file for a script: <dir>/<script base>.golden,
// where dir defaults to a "golden" directory next to the script.
func GoldenPath(dir, scriptPath string) string {
	base := filepath.Base(scriptPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if dir == "" {
		dir = filepath.Join(filepath.Dir(scriptPath), "golden")
	}
	return filepath.Join(dir, name+".golden")
}

// CompareGolden reports whether the snapshot of result equals the golden
// file at path. A missing golden file is an error wrapping os.ErrNotExist.
func CompareGolden(path string, result *Result) (bool, error) {
	want, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read golden file: %w", err)
	}
	got, err := Snapshot(result)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}

// UpdateGolden writes the snapshot of result to path.
func UpdateGolden(path string, result *Result) error {
	data, err := Snapshot(result)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// AssertGolden compares the snapshot of result with
// testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := Snapshot(result)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
