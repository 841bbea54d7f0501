// Package backend is a fixture-driven stand-in for a shell backend.
//
// It answers execute requests with canned response envelopes so scripts can
// be developed and the harness tested without the real process. A fixture
// lists routes; the first route whose command matches and whose args are a
// subset of the request's args supplies the responses. Unknown commands get
// a single ERROR envelope.
package backend

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/shellprobe/internal/envelope"
)

// Fixture is the parsed form of a fixture file.
type Fixture struct {
	// Routes are tried in order.
	Routes []Route `yaml:"routes"`
}

// Route maps a command (and optionally a subset of its args) to responses.
type Route struct {
	// Command is the exact command name to match.
	Command string `yaml:"command"`

	// Args is a subset match against the request args. Nil matches any args.
	Args map[string]any `yaml:"args,omitempty"`

	// Delay is waited before each response envelope.
	Delay time.Duration `yaml:"delay,omitempty"`

	// Responses are sent in order with the request's ID.
	Responses []Reply `yaml:"responses"`
}

// Reply is one canned response envelope.
type Reply struct {
	Type   envelope.State `yaml:"type"`
	Msg    string         `yaml:"msg,omitempty"`
	Result any            `yaml:"result,omitempty"`
	Done   bool           `yaml:"done,omitempty"`

	// EchoArgs replaces Result with the request args.
	EchoArgs bool `yaml:"echo_args,omitempty"`

	// RequestID overrides the request ID, for testing misrouted envelopes.
	RequestID string `yaml:"request_id,omitempty"`
}

// LoadFixture reads and validates a fixture YAML file.
// Unknown fields are rejected.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture parses and validates fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture YAML: %w", err)
	}

	if err := f.normalize(); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &f, nil
}

func (f *Fixture) normalize() error {
	for i := range f.Routes {
		r := &f.Routes[i]
		if r.Command == "" {
			return fmt.Errorf("route %d: command is required", i)
		}
		if len(r.Responses) == 0 {
			return fmt.Errorf("route %d (%s): responses list is required and must be non-empty", i, r.Command)
		}
		if r.Args != nil {
			args, err := envelope.Normalize(r.Args)
			if err != nil {
				return fmt.Errorf("route %d (%s): args: %w", i, r.Command, err)
			}
			r.Args = args.(map[string]any)
		}

		for j := range r.Responses {
			reply := &r.Responses[j]
			if !reply.Type.Valid() {
				return fmt.Errorf("route %d (%s): response %d: unknown type %q", i, r.Command, j, reply.Type)
			}
			if reply.Done && reply.Type != envelope.StateOK {
				return fmt.Errorf("route %d (%s): response %d: done is only allowed on OK", i, r.Command, j)
			}
			if reply.Result != nil {
				v, err := envelope.Normalize(reply.Result)
				if err != nil {
					return fmt.Errorf("route %d (%s): response %d: result: %w", i, r.Command, j, err)
				}
				reply.Result = v
			}
		}
	}
	return nil
}

// match returns the first route for req, or nil.
func (f *Fixture) match(req map[string]any) *Route {
	command, _ := req["command"].(string)
	args, _ := req["args"].(map[string]any)

	for i := range f.Routes {
		r := &f.Routes[i]
		if r.Command != command {
			continue
		}
		if argsSubset(r.Args, args) {
			return r
		}
	}
	return nil
}

func argsSubset(want, got map[string]any) bool {
	for k, v := range want {
		actual, ok := got[k]
		if !ok || !envelope.Equal(v, actual) {
			return false
		}
	}
	return true
}
