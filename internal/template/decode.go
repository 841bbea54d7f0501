package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shellprobe/internal/envelope"
)

// YAML tags understood by FromYAML.
const (
	TagIgnore        = "!ignore"
	TagRegex         = "!regex"
	TagToken         = "!token"
	TagLastRequestID = "!last_request_id"
	TagResponse      = "!response"
	TagStrict        = "!strict"
)

// Object keys understood by FromValue. A map whose only key is one of these
// is decoded as the corresponding template instead of as an object.
const (
	KeyIgnore        = "$ignore"
	KeyRegex         = "$regex"
	KeyToken         = "$token"
	KeyLastRequestID = "$last_request_id"
	KeyResponse      = "$response"
	KeyStrict        = "$strict"
	KeyLiteral       = "$literal"
)

// FromYAML decodes a YAML node into a template.
//
// Tagged scalars select matchers:
//
//	result: !regex '\d+'
//	request_id: !last_request_id
//	id: !token category_id
//	module_session_id: !response result.module_session_id
//	timestamp: !ignore
//
// and !strict on a mapping rejects extra fields. Untagged nodes become
// literals, objects and arrays; the "$"-key forms of FromValue are accepted
// as well.
func FromYAML(node *yaml.Node) (Template, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Literal(nil), nil
		}
		return FromYAML(node.Content[0])
	case yaml.AliasNode:
		return FromYAML(node.Alias)
	}

	switch node.Tag {
	case TagIgnore:
		return Ignore(), nil
	case TagLastRequestID:
		return LastRequestID(), nil
	case TagRegex:
		if node.Kind != yaml.ScalarNode {
			return Template{}, nodeError(node, "!regex takes a scalar pattern")
		}
		t, err := Regex(node.Value)
		if err != nil {
			return Template{}, nodeError(node, err.Error())
		}
		return t, nil
	case TagToken:
		if node.Kind != yaml.ScalarNode || node.Value == "" {
			return Template{}, nodeError(node, "!token takes a token name")
		}
		return Token(node.Value), nil
	case TagResponse:
		if node.Kind != yaml.ScalarNode {
			return Template{}, nodeError(node, "!response takes a dotted path")
		}
		return Response(node.Value), nil
	}

	if strings.HasPrefix(node.Tag, "!") && !strings.HasPrefix(node.Tag, "!!") && node.Tag != TagStrict {
		return Template{}, nodeError(node, fmt.Sprintf("unknown tag %s", node.Tag))
	}

	switch node.Kind {
	case yaml.MappingNode:
		if node.Tag != TagStrict && len(node.Content) == 2 && strings.HasPrefix(node.Content[0].Value, "$") {
			return fromYAMLReservedKey(node.Content[0].Value, node.Content[1])
		}
		fields := make(map[string]Template, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if _, dup := fields[key]; dup {
				return Template{}, nodeError(node.Content[i], fmt.Sprintf("duplicate key %q", key))
			}
			f, err := FromYAML(node.Content[i+1])
			if err != nil {
				return Template{}, fmt.Errorf("%s: %w", key, err)
			}
			fields[key] = f
		}
		if node.Tag == TagStrict {
			return StrictObject(fields), nil
		}
		return Object(fields), nil

	case yaml.SequenceNode:
		elems := make([]Template, len(node.Content))
		for i, child := range node.Content {
			e, err := FromYAML(child)
			if err != nil {
				return Template{}, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = e
		}
		return Array(elems...), nil

	case yaml.ScalarNode:
		if node.Tag == TagStrict {
			return Template{}, nodeError(node, "!strict applies to mappings")
		}
		var v any
		if err := node.Decode(&v); err != nil {
			return Template{}, err
		}
		return Literal(v), nil
	}

	return Template{}, nodeError(node, "unsupported YAML node")
}

// fromYAMLReservedKey decodes a "$"-key mapping without losing the tags of
// the nodes below it.
func fromYAMLReservedKey(key string, arg *yaml.Node) (Template, error) {
	if arg.Kind == yaml.AliasNode {
		arg = arg.Alias
	}

	switch key {
	case KeyIgnore:
		return Ignore(), nil
	case KeyLastRequestID:
		return LastRequestID(), nil
	case KeyRegex, KeyToken, KeyResponse:
		if arg.Kind != yaml.ScalarNode || arg.ShortTag() != "!!str" {
			return Template{}, nodeError(arg, fmt.Sprintf("%s takes a string", key))
		}
		switch key {
		case KeyRegex:
			t, err := Regex(arg.Value)
			if err != nil {
				return Template{}, nodeError(arg, err.Error())
			}
			return t, nil
		case KeyToken:
			if arg.Value == "" {
				return Template{}, nodeError(arg, key+" takes a token name")
			}
			return Token(arg.Value), nil
		default:
			return Response(arg.Value), nil
		}
	case KeyStrict:
		if arg.Kind != yaml.MappingNode {
			return Template{}, nodeError(arg, key+" takes an object")
		}
		t, err := FromYAML(arg)
		if err != nil {
			return Template{}, err
		}
		if t.Kind() != KindObject {
			return Template{}, nodeError(arg, key+" takes an object of fields")
		}
		t.strict = true
		return t, nil
	case KeyLiteral:
		var v any
		if err := arg.Decode(&v); err != nil {
			return Template{}, err
		}
		n, err := envelope.Normalize(v)
		if err != nil {
			return Template{}, nodeError(arg, err.Error())
		}
		return Literal(n), nil
	}
	return Template{}, nodeError(arg, fmt.Sprintf("unknown template key %q", key))
}

// FromValue builds a template from a decoded JSON/CUE value.
//
// Maps become permissive objects and slices become arrays, except for
// single-key maps using the reserved keys:
//
//	{"$ignore": true}
//	{"$regex": "\\d+"}
//	{"$token": "category_id"}
//	{"$last_request_id": true}
//	{"$response": "result.id"}
//	{"$strict": {"type": "OK"}}
//	{"$literal": {"$token": "not a reference"}}
func FromValue(v any) (Template, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			for k, inner := range val {
				if strings.HasPrefix(k, "$") {
					return fromReservedKey(k, inner)
				}
			}
		}
		fields := make(map[string]Template, len(val))
		for k, inner := range val {
			f, err := FromValue(inner)
			if err != nil {
				return Template{}, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = f
		}
		return Object(fields), nil
	case []any:
		elems := make([]Template, len(val))
		for i, inner := range val {
			e, err := FromValue(inner)
			if err != nil {
				return Template{}, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = e
		}
		return Array(elems...), nil
	}

	n, err := envelope.Normalize(v)
	if err != nil {
		return Template{}, err
	}
	if _, composite := n.(map[string]any); composite {
		return FromValue(n)
	}
	if _, composite := n.([]any); composite {
		return FromValue(n)
	}
	return Literal(n), nil
}

func fromReservedKey(key string, arg any) (Template, error) {
	switch key {
	case KeyIgnore:
		return Ignore(), nil
	case KeyLastRequestID:
		return LastRequestID(), nil
	case KeyRegex:
		s, ok := arg.(string)
		if !ok {
			return Template{}, fmt.Errorf("%s takes a string pattern, got %T", key, arg)
		}
		return Regex(s)
	case KeyToken:
		s, ok := arg.(string)
		if !ok || s == "" {
			return Template{}, fmt.Errorf("%s takes a token name", key)
		}
		return Token(s), nil
	case KeyResponse:
		s, ok := arg.(string)
		if !ok {
			return Template{}, fmt.Errorf("%s takes a dotted path, got %T", key, arg)
		}
		return Response(s), nil
	case KeyStrict:
		obj, ok := arg.(map[string]any)
		if !ok {
			return Template{}, fmt.Errorf("%s takes an object, got %T", key, arg)
		}
		t, err := FromValue(obj)
		if err != nil {
			return Template{}, err
		}
		if t.Kind() != KindObject {
			// A single reserved key inside $strict is still a reference.
			return Template{}, fmt.Errorf("%s takes an object of fields", key)
		}
		t.strict = true
		return t, nil
	case KeyLiteral:
		return Literal(arg), nil
	}
	return Template{}, fmt.Errorf("unknown template key %q", key)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Template) UnmarshalYAML(node *yaml.Node) error {
	decoded, err := FromYAML(node)
	if err != nil {
		return err
	}
	*t = decoded
	return nil
}

// UnmarshalJSON implements json.Unmarshaler using the "$"-key forms.
func (t *Template) UnmarshalJSON(data []byte) error {
	v, err := envelope.Decode(data)
	if err != nil {
		return err
	}
	decoded, err := FromValue(v)
	if err != nil {
		return err
	}
	*t = decoded
	return nil
}

// MarshalJSON encodes t in the "$"-key form accepted by UnmarshalJSON.
func (t Template) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.encode())
}

func (t Template) encode() any {
	switch t.Kind() {
	case KindIgnore:
		return map[string]any{KeyIgnore: true}
	case KindRegex:
		return map[string]any{KeyRegex: t.pattern.String()}
	case KindToken:
		return map[string]any{KeyToken: t.key}
	case KindLastRequestID:
		return map[string]any{KeyLastRequestID: true}
	case KindResponse:
		return map[string]any{KeyResponse: t.key}
	case KindObject:
		fields := make(map[string]any, len(t.fields))
		for k, f := range t.fields {
			fields[k] = f.encode()
		}
		if t.strict {
			return map[string]any{KeyStrict: fields}
		}
		return fields
	case KindArray:
		elems := make([]any, len(t.elems))
		for i, e := range t.elems {
			elems[i] = e.encode()
		}
		return elems
	}
	if obj, ok := t.value.(map[string]any); ok && len(obj) == 1 {
		for k := range obj {
			if strings.HasPrefix(k, "$") {
				return map[string]any{KeyLiteral: obj}
			}
		}
	}
	return t.value
}

func nodeError(node *yaml.Node, msg string) error {
	return fmt.Errorf("line %d column %d: %s", node.Line, node.Column, msg)
}
