package harness

import (
	"fmt"

	"cuelang.org/go/cue/token"
)

// Load error codes.
const (
	ErrCodeRead        = "E001" // script file could not be read
	ErrCodeUnsupported = "E002" // unknown script format
	ErrCodeParse       = "E003" // YAML, JSON or CUE syntax/shape error
	ErrCodeInvalid     = "E004" // script failed validation
	ErrCodeInclude     = "E005" // execute target missing or cyclic
)

// LoadError reports a script that could not be loaded.
type LoadError struct {
	Code    string
	Path    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StepError wraps the failure of one step with its location.
type StepError struct {
	Script string
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Script, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
