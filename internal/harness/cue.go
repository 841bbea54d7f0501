package harness

import (
	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// compileCUE evaluates a CUE script and exports it as JSON.
// The value must be concrete; constraints and definitions in the file are
// checked by the evaluation.
func compileCUE(data []byte, path string) ([]byte, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, cueLoadError(path, err)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(path, err)
	}

	out, err := value.MarshalJSON()
	if err != nil {
		return nil, cueLoadError(path, err)
	}
	return out, nil
}

// cueLoadError converts the first CUE error into a LoadError with position.
func cueLoadError(path string, err error) *LoadError {
	le := &LoadError{Code: ErrCodeParse, Path: path, Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
		le.Pos = errs[0].Position()
	}
	return le
}
