package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/shellprobe/internal/envelope"
)

// Resolver supplies the session state that reference templates point at.
type Resolver interface {
	// Token returns the current value of a token, or an error if the
	// token was never set.
	Token(key string) (any, error)

	// LastRequestID returns the most recently generated request ID.
	LastRequestID() string

	// LastResponse returns the last received envelope, if any.
	LastResponse() (map[string]any, bool)
}

// Mismatch describes the first field of an actual value that does not
// satisfy its template.
type Mismatch struct {
	// Path is the dotted path of the field, empty for the root value.
	Path string

	// Expected renders the template (with references resolved).
	Expected string

	// Actual renders the actual value, or "<missing>".
	Actual string

	// Reason is a short description of why the field did not match.
	Reason string

	// Diff is a go-cmp diff for composite literals, empty otherwise.
	Diff string
}

// Field returns the path for messages, naming the root explicitly.
func (m *Mismatch) Field() string {
	if m.Path == "" {
		return "<root>"
	}
	return m.Path
}

func (m *Mismatch) Error() string {
	msg := fmt.Sprintf("field %q: %s: expected %s, got %s", m.Field(), m.Reason, m.Expected, m.Actual)
	if m.Diff != "" {
		msg += "\n" + m.Diff
	}
	return msg
}

const missing = "<missing>"

// Match checks actual against t.
//
// It returns a Mismatch describing the first failing field, or nil when the
// value matches. An error is returned only when a reference cannot be
// resolved; that is an authoring problem, not a mismatch.
func Match(t Template, actual any, r Resolver) (*Mismatch, error) {
	return match("", t, actual, true, r)
}

func match(path string, t Template, actual any, present bool, r Resolver) (*Mismatch, error) {
	switch t.Kind() {
	case KindIgnore:
		return nil, nil

	case KindRegex:
		if !present {
			return missingField(path, t.String()), nil
		}
		if !t.pattern.MatchString(envelope.Stringify(actual)) {
			return &Mismatch{
				Path:     path,
				Expected: t.String(),
				Actual:   render(actual),
				Reason:   "regex did not match",
			}, nil
		}
		return nil, nil

	case KindToken, KindLastRequestID, KindResponse:
		want, err := resolveRef(t, r)
		if err != nil {
			return nil, err
		}
		if !present {
			return missingField(path, render(want)), nil
		}
		if !envelope.Equal(want, actual) {
			return &Mismatch{
				Path:     path,
				Expected: fmt.Sprintf("%s (%s)", render(want), t),
				Actual:   render(actual),
				Reason:   "reference value differs",
			}, nil
		}
		return nil, nil

	case KindObject:
		if !present {
			return missingField(path, "object"), nil
		}
		obj, ok := actual.(map[string]any)
		if !ok {
			return typeMismatch(path, "object", actual), nil
		}
		for _, key := range sortedFieldNames(t.fields) {
			val, exists := obj[key]
			m, err := match(join(path, key), t.fields[key], val, exists, r)
			if err != nil || m != nil {
				return m, err
			}
		}
		if t.strict {
			for _, key := range envelope.SortedKeys(obj) {
				if _, ok := t.fields[key]; !ok {
					return &Mismatch{
						Path:     join(path, key),
						Expected: "<absent>",
						Actual:   render(obj[key]),
						Reason:   "unexpected field in strict object",
					}, nil
				}
			}
		}
		return nil, nil

	case KindArray:
		if !present {
			return missingField(path, "array"), nil
		}
		arr, ok := actual.([]any)
		if !ok {
			return typeMismatch(path, "array", actual), nil
		}
		if len(arr) != len(t.elems) {
			return &Mismatch{
				Path:     path,
				Expected: fmt.Sprintf("array of length %d", len(t.elems)),
				Actual:   fmt.Sprintf("array of length %d", len(arr)),
				Reason:   "length differs",
			}, nil
		}
		for i, elem := range t.elems {
			m, err := match(join(path, strconv.Itoa(i)), elem, arr[i], true, r)
			if err != nil || m != nil {
				return m, err
			}
		}
		return nil, nil
	}

	if !present {
		return missingField(path, render(t.value)), nil
	}
	if !envelope.Equal(t.value, actual) {
		m := &Mismatch{
			Path:     path,
			Expected: render(t.value),
			Actual:   render(actual),
			Reason:   "value differs",
		}
		if isComposite(t.value) && isComposite(actual) {
			m.Diff = cmp.Diff(t.value, actual)
		}
		return m, nil
	}
	return nil, nil
}

func missingField(path, expected string) *Mismatch {
	return &Mismatch{
		Path:     path,
		Expected: expected,
		Actual:   missing,
		Reason:   "field is missing",
	}
}

func typeMismatch(path, want string, actual any) *Mismatch {
	return &Mismatch{
		Path:     path,
		Expected: want,
		Actual:   render(actual),
		Reason:   fmt.Sprintf("expected %s, got %s", want, typeName(actual)),
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	if _, err := strconv.ParseFloat(fmt.Sprint(v), 64); err == nil {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func isComposite(v any) bool {
	switch v.(type) {
	case []any, map[string]any:
		return true
	}
	return false
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedFieldNames(fields map[string]Template) []string {
	keys := make(map[string]any, len(fields))
	for k := range fields {
		keys[k] = nil
	}
	return envelope.SortedKeys(keys)
}

// render formats a value for diagnostics as canonical JSON.
func render(v any) string {
	data, err := envelope.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(data)
	if len(s) > 200 {
		s = s[:197] + "..."
	}
	return strings.TrimSpace(s)
}
