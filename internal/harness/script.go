package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shellprobe/internal/template"
)

// Script is a validation script.
type Script struct {
	// Name identifies the script in output, transcripts and golden files.
	Name string `yaml:"name" json:"name"`

	// Description explains what the script validates.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Tokens are resolved and stored before the first step runs.
	Tokens map[string]template.Template `yaml:"tokens,omitempty" json:"tokens,omitempty"`

	// Steps run in order; the first failing step stops the script.
	Steps []Step `yaml:"steps" json:"steps"`

	// Path is the file the script was loaded from. Execute steps are
	// resolved relative to its directory.
	Path string `yaml:"-" json:"-"`
}

// Step is one action of a script.
type Step struct {
	// Name labels the step in error messages. Optional.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	Send *SendStep `yaml:"send,omitempty" json:"send,omitempty"`

	// Expect lists one template per response envelope. Only valid with
	// send; when omitted the request is sent without waiting.
	Expect []template.Template `yaml:"expect,omitempty" json:"expect,omitempty"`

	// Set stores tokens. Values are resolved when the step runs.
	Set map[string]template.Template `yaml:"set,omitempty" json:"set,omitempty"`

	// ValidateLast matches the last response envelope again.
	ValidateLast *template.Template `yaml:"validate_last,omitempty" json:"validate_last,omitempty"`

	// Execute runs another script file with the same session.
	Execute string `yaml:"execute,omitempty" json:"execute,omitempty"`

	// Log writes a message to the trace.
	Log string `yaml:"log,omitempty" json:"log,omitempty"`
}

// SendStep describes a request.
type SendStep struct {
	Command string `yaml:"command" json:"command"`

	// Args is resolved into the request args when the step runs.
	Args template.Template `yaml:"args,omitempty" json:"args,omitempty"`

	// Request overrides the request kind. Defaults to "execute".
	Request string `yaml:"request,omitempty" json:"request,omitempty"`

	// RequestID fixes the request ID instead of generating one.
	RequestID string `yaml:"request_id,omitempty" json:"request_id,omitempty"`
}

// Step action names.
const (
	ActionSend         = "send"
	ActionSet          = "set"
	ActionValidateLast = "validate_last"
	ActionExecute      = "execute"
	ActionLog          = "log"
)

// Action returns the name of the step's action, or "" if none is set.
func (s *Step) Action() string {
	actions := s.actions()
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

func (s *Step) actions() []string {
	var out []string
	if s.Send != nil {
		out = append(out, ActionSend)
	}
	if s.Set != nil {
		out = append(out, ActionSet)
	}
	if s.ValidateLast != nil {
		out = append(out, ActionValidateLast)
	}
	if s.Execute != "" {
		out = append(out, ActionExecute)
	}
	if s.Log != "" {
		out = append(out, ActionLog)
	}
	return out
}

// Label names the step for error messages: its name, or its action and
// 1-based position.
func (s *Step) Label(index int) string {
	if s.Name != "" {
		return fmt.Sprintf("step %d (%s)", index+1, s.Name)
	}
	return fmt.Sprintf("step %d (%s)", index+1, s.Action())
}

// Script file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatCUE  = "cue"
)

// FormatOf returns the script format for a file extension, or "".
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".cue":
		return FormatCUE
	}
	return ""
}

// LoadScript reads, parses and validates a script file.
// Unknown fields are rejected in every format.
func LoadScript(path string) (*Script, error) {
	format := FormatOf(path)
	if format == "" {
		return nil, &LoadError{Code: ErrCodeUnsupported, Path: path, Message: "unsupported script extension"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, Path: path, Message: err.Error()}
	}

	script, err := ParseScript(data, format, path)
	if err != nil {
		return nil, err
	}
	script.Path = path
	return script, nil
}

// ParseScript parses and validates script source in the given format.
// path is used for error positions and CUE file names only.
func ParseScript(data []byte, format, path string) (*Script, error) {
	var (
		script Script
		err    error
	)
	switch format {
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		err = decoder.Decode(&script)
	case FormatJSON:
		err = decodeStrictJSON(data, &script)
	case FormatCUE:
		var compiled []byte
		compiled, err = compileCUE(data, path)
		if err != nil {
			return nil, err
		}
		err = decodeStrictJSON(compiled, &script)
	default:
		return nil, &LoadError{Code: ErrCodeUnsupported, Path: path, Message: fmt.Sprintf("unknown format %q", format)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Path: path, Message: err.Error()}
	}

	if err := validateScript(&script); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Path: path, Message: err.Error()}
	}
	return &script, nil
}

func decodeStrictJSON(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	return decoder.Decode(v)
}

// validateScript checks required fields and step shape.
func validateScript(s *Script) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step *Step) error {
	actions := step.actions()
	switch len(actions) {
	case 0:
		return fmt.Errorf("step %d: one of send, set, validate_last, execute or log is required", i+1)
	case 1:
	default:
		return fmt.Errorf("step %d: has several actions (%s), want exactly one", i+1, strings.Join(actions, ", "))
	}

	if step.Expect != nil && step.Send == nil {
		return fmt.Errorf("step %d: expect is only valid with send", i+1)
	}
	if step.Send != nil && step.Send.Command == "" {
		return fmt.Errorf("step %d: send.command is required", i+1)
	}
	if step.Send != nil {
		if args := step.Send.Args; args.Kind() != template.KindObject && !args.IsNull() {
			return fmt.Errorf("step %d: send.args must be a mapping", i+1)
		}
	}
	for key := range step.Set {
		if key == "" {
			return fmt.Errorf("step %d: set has an empty token name", i+1)
		}
	}
	return nil
}
