// Package template describes expected response envelopes.
//
// A Template is a tagged union: a literal value, an ignore wildcard, a
// regular expression, a reference to a session token, the last generated
// request ID, a field of the last response, or an object/array of nested
// templates. Matching and resolution switch on the kind, so every
// expectation is interpreted explicitly instead of overloading JSON values.
//
// Object templates are permissive by default: fields present in the actual
// envelope but absent from the template are accepted. A strict object
// rejects them.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/shellprobe/internal/envelope"
)

// Kind identifies the variant held by a Template.
type Kind int

const (
	KindLiteral Kind = iota + 1
	KindIgnore
	KindRegex
	KindToken
	KindLastRequestID
	KindResponse
	KindObject
	KindArray
)

var kindNames = map[Kind]string{
	KindLiteral:       "literal",
	KindIgnore:        "ignore",
	KindRegex:         "regex",
	KindToken:         "token",
	KindLastRequestID: "last_request_id",
	KindResponse:      "response",
	KindObject:        "object",
	KindArray:         "array",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Template is an expected value. The zero Template is a literal null.
type Template struct {
	kind    Kind
	value   any
	pattern *regexp.Regexp
	key     string
	fields  map[string]Template
	elems   []Template
	strict  bool
}

// Literal matches values deeply equal to v.
// v is normalized into the envelope value model; values that cannot be
// normalized are kept as-is and compared with reflect.DeepEqual.
func Literal(v any) Template {
	if n, err := envelope.Normalize(v); err == nil {
		v = n
	}
	return Template{kind: KindLiteral, value: v}
}

// Ignore matches anything, including an absent field.
func Ignore() Template {
	return Template{kind: KindIgnore}
}

// Regex matches values whose string form matches pattern.
func Regex(pattern string) (Template, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Template{}, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return Template{kind: KindRegex, pattern: re}, nil
}

// MustRegex is like Regex but panics on an invalid pattern.
func MustRegex(pattern string) Template {
	t, err := Regex(pattern)
	if err != nil {
		panic(err)
	}
	return t
}

// Token matches the current value of the named session token.
// The token is resolved when the template is matched, not when it is built.
func Token(key string) Template {
	return Template{kind: KindToken, key: key}
}

// LastRequestID matches the most recently generated request ID.
func LastRequestID() Template {
	return Template{kind: KindLastRequestID}
}

// Response matches the value at a dotted path of the last response envelope,
// e.g. "result.module_session_id".
func Response(path string) Template {
	return Template{kind: KindResponse, key: path}
}

// Object matches an object containing at least the given fields.
func Object(fields map[string]Template) Template {
	if fields == nil {
		fields = map[string]Template{}
	}
	return Template{kind: KindObject, fields: fields}
}

// StrictObject matches an object with exactly the given fields.
func StrictObject(fields map[string]Template) Template {
	t := Object(fields)
	t.strict = true
	return t
}

// Array matches an array of the same length whose elements match elems in order.
func Array(elems ...Template) Template {
	if elems == nil {
		elems = []Template{}
	}
	return Template{kind: KindArray, elems: elems}
}

// Kind returns the variant of t.
func (t Template) Kind() Kind {
	if t.kind == 0 {
		return KindLiteral
	}
	return t.kind
}

// IsNull reports whether t is the literal null, which is also the zero Template.
func (t Template) IsNull() bool {
	return t.Kind() == KindLiteral && t.value == nil
}

// Strict reports whether an object template rejects extra fields.
func (t Template) Strict() bool { return t.strict }

// Field returns the template for an object field.
func (t Template) Field(name string) (Template, bool) {
	f, ok := t.fields[name]
	return f, ok
}

// Len returns the number of fields or elements of a composite template.
func (t Template) Len() int {
	switch t.Kind() {
	case KindObject:
		return len(t.fields)
	case KindArray:
		return len(t.elems)
	}
	return 0
}

// String renders t for diagnostics. References are shown unresolved.
func (t Template) String() string {
	switch t.Kind() {
	case KindIgnore:
		return "<ignore>"
	case KindRegex:
		return "/" + t.pattern.String() + "/"
	case KindToken:
		return fmt.Sprintf("<token %s>", t.key)
	case KindLastRequestID:
		return "<last_request_id>"
	case KindResponse:
		return fmt.Sprintf("<response %s>", t.key)
	case KindObject:
		keys := make([]string, 0, len(t.fields))
		for k := range t.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, t.fields[k]))
		}
		prefix := ""
		if t.strict {
			prefix = "strict "
		}
		return prefix + "{" + strings.Join(parts, ", ") + "}"
	case KindArray:
		parts := make([]string, len(t.elems))
		for i, e := range t.elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return render(t.value)
}
