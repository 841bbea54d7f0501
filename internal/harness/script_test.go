package harness

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shellprobe/internal/template"
)

func TestLoadScript_YAML(t *testing.T) {
	script, err := LoadScript("testdata/scripts/connections.yaml")
	require.NoError(t, err)

	assert.Equal(t, "connections", script.Name)
	assert.Equal(t, "testdata/scripts/connections.yaml", script.Path)
	require.Len(t, script.Steps, 5)

	actions := make([]string, len(script.Steps))
	for i := range script.Steps {
		actions[i] = script.Steps[i].Action()
	}
	assert.Equal(t, []string{ActionLog, ActionSend, ActionSet, ActionValidateLast, ActionExecute}, actions)

	send := script.Steps[1]
	assert.Equal(t, "ListConnections", send.Send.Command)
	require.Len(t, send.Expect, 2)

	state, ok := send.Expect[1].Field("request_state")
	require.True(t, ok)
	assert.True(t, state.Strict())

	id, _ := send.Expect[0].Field("request_id")
	assert.Equal(t, template.KindLastRequestID, id.Kind())
}

func TestLoadScript_JSONAndCUE(t *testing.T) {
	for _, path := range []string{"testdata/scripts/version.json", "testdata/scripts/version.cue"} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			script, err := LoadScript(path)
			require.NoError(t, err)
			require.Len(t, script.Steps, 1)

			step := script.Steps[0]
			assert.Equal(t, "GetVersion", step.Send.Command)
			require.Len(t, step.Expect, 1)

			result, ok := step.Expect[0].Field("result")
			require.True(t, ok)
			assert.Equal(t, template.KindRegex, result.Kind())
		})
	}
}

func TestParseScript_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		src    string
		code   string
		want   string
	}{
		{"unknown field", FormatYAML, "name: x\nstep: []\n", ErrCodeParse, "field step not found"},
		{"missing name", FormatYAML, "steps:\n  - log: hi\n", ErrCodeInvalid, "name is required"},
		{"no steps", FormatYAML, "name: x\n", ErrCodeInvalid, "steps list is required"},
		{"empty step", FormatYAML, "name: x\nsteps:\n  - name: nothing\n", ErrCodeInvalid, "one of send"},
		{"two actions", FormatYAML, "name: x\nsteps:\n  - log: hi\n    execute: other.yaml\n", ErrCodeInvalid, "several actions (execute, log)"},
		{"expect without send", FormatYAML, "name: x\nsteps:\n  - log: hi\n    expect: [1]\n", ErrCodeInvalid, "expect is only valid with send"},
		{"send without command", FormatYAML, "name: x\nsteps:\n  - send: {args: {}}\n", ErrCodeInvalid, "send.command is required"},
		{"scalar args", FormatYAML, "name: x\nsteps:\n  - send: {command: A, args: 5}\n", ErrCodeInvalid, "send.args must be a mapping"},
		{"bad regex", FormatYAML, "name: x\nsteps:\n  - send: {command: A}\n    expect: [!regex '(']\n", ErrCodeParse, "invalid regex"},
		{"json unknown field", FormatJSON, `{"name":"x","steps":[{"log":"hi","extra":1}]}`, ErrCodeParse, "unknown field"},
		{"cue not concrete", FormatCUE, "name: string\nsteps: [{log: \"hi\"}]\n", ErrCodeParse, ""},
		{"unknown format", "toml", "", ErrCodeUnsupported, "unknown format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tc.src), tc.format, "inline."+tc.format)
			require.Error(t, err)

			var le *LoadError
			require.True(t, errors.As(err, &le), "want *LoadError, got %T", err)
			assert.Equal(t, tc.code, le.Code)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadScript_UnsupportedExtension(t *testing.T) {
	_, err := LoadScript("testdata/scripts/readme.txt")
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeUnsupported, le.Code)
}

func TestFindScripts(t *testing.T) {
	files, err := FindScripts([]string{"testdata/scripts"}, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join("testdata/scripts/connections.yaml"),
		filepath.Join("testdata/scripts/version.cue"),
		filepath.Join("testdata/scripts/version.json"),
		filepath.Join("testdata/scripts/version.yaml"),
	}, files)

	files, err = FindScripts([]string{"testdata/scripts"}, "vers*")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	// An executed script is not a top-level script, even when it alone
	// matches the filter.
	files, err = FindScripts([]string{"testdata/scripts"}, "echo*")
	require.NoError(t, err)
	assert.Empty(t, files)

	// Named explicitly, it is kept.
	files, err = FindScripts([]string{"testdata/scripts/common/echo_port.yaml"}, "")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	// Scripts that only execute each other have no top-level script and are
	// all kept, so the cycle is still reported.
	files, err = FindScripts([]string{"testdata/bad"}, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = FindScripts([]string{"testdata/scripts"}, "[")
	assert.Error(t, err)

	_, err = FindScripts([]string{"testdata/nope"}, "")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	visited, err := Check("testdata/scripts/connections.yaml")
	require.NoError(t, err)
	require.Len(t, visited, 2)
	assert.Equal(t, "echo_port.yaml", filepath.Base(visited[1]))

	_, err = Check("testdata/bad/cycle_a.yaml")
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeInclude, le.Code)
	assert.Contains(t, err.Error(), "include cycle")
}
