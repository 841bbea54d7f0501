package template

import (
	"fmt"

	"github.com/roach88/shellprobe/internal/envelope"
)

// Resolve turns t into a concrete value.
//
// Request arguments and token assignments are built this way: references are
// looked up now, composites are resolved element by element, and matchers
// (ignore, regex) are rejected because they have no value.
func Resolve(t Template, r Resolver) (any, error) {
	return resolve("", t, r)
}

func resolve(path string, t Template, r Resolver) (any, error) {
	switch t.Kind() {
	case KindIgnore, KindRegex:
		return nil, fmt.Errorf("%s: %s cannot be used as a value", pathLabel(path), t.Kind())
	case KindToken, KindLastRequestID, KindResponse:
		v, err := resolveRef(t, r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pathLabel(path), err)
		}
		return v, nil
	case KindObject:
		out := make(map[string]any, len(t.fields))
		for k, f := range t.fields {
			v, err := resolve(join(path, k), f, r)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case KindArray:
		out := make([]any, len(t.elems))
		for i, e := range t.elems {
			v, err := resolve(join(path, fmt.Sprint(i)), e, r)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return t.value, nil
}

// ResolveObject resolves an object template into argument form.
func ResolveObject(t Template, r Resolver) (map[string]any, error) {
	if t.IsNull() {
		return map[string]any{}, nil
	}
	v, err := Resolve(t, r)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %s", typeName(v))
	}
	return obj, nil
}

func resolveRef(t Template, r Resolver) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("%s requires session state", t)
	}

	var (
		v   any
		err error
	)
	switch t.Kind() {
	case KindToken:
		v, err = r.Token(t.key)
	case KindLastRequestID:
		id := r.LastRequestID()
		if id == "" {
			return nil, fmt.Errorf("no request ID has been generated yet")
		}
		v = id
	case KindResponse:
		last, ok := r.LastResponse()
		if !ok {
			return nil, fmt.Errorf("%s: no response has been received yet", t)
		}
		found, exists := envelope.Lookup(last, t.key)
		if !exists {
			return nil, fmt.Errorf("%s: path not present in last response", t)
		}
		v = found
	default:
		return nil, fmt.Errorf("%s is not a reference", t.Kind())
	}
	if err != nil {
		return nil, err
	}
	return envelope.Normalize(v)
}

func pathLabel(path string) string {
	if path == "" {
		return "value"
	}
	return fmt.Sprintf("field %q", path)
}
