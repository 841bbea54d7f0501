package session

import (
	"fmt"

	"github.com/roach88/shellprobe/internal/envelope"
	"github.com/roach88/shellprobe/internal/template"
)

// Phase is the coarse state of a Sequencer.
type Phase int

const (
	PhaseAwaiting Phase = iota
	PhaseComplete
	PhaseFailed
)

// Sequencer validates the envelopes of one request, in order, against a
// list of expected templates.
//
// Not safe for concurrent use; a request's envelopes arrive on one
// subscription and are fed by one goroutine.
type Sequencer struct {
	requestID string
	expected  []template.Template
	resolver  template.Resolver

	pos   int
	phase Phase
	err   error
}

// NewSequencer starts in AWAITING_RESPONSE_1, or COMPLETE when nothing is
// expected.
func NewSequencer(requestID string, expected []template.Template, r template.Resolver) *Sequencer {
	s := &Sequencer{
		requestID: requestID,
		expected:  expected,
		resolver:  r,
	}
	if len(expected) == 0 {
		s.phase = PhaseComplete
	}
	return s
}

// State returns AWAITING_RESPONSE_<i>, COMPLETE or FAILED.
func (s *Sequencer) State() string {
	switch s.phase {
	case PhaseComplete:
		return "COMPLETE"
	case PhaseFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("AWAITING_RESPONSE_%d", s.pos+1)
	}
}

// Phase returns the coarse state.
func (s *Sequencer) Phase() Phase { return s.phase }

// Awaiting reports whether more envelopes are expected.
func (s *Sequencer) Awaiting() bool { return s.phase == PhaseAwaiting }

// Received returns the number of envelopes accepted so far.
func (s *Sequencer) Received() int { return s.pos }

// Expected returns the number of expected envelopes.
func (s *Sequencer) Expected() int { return len(s.expected) }

// Err returns the failure that moved the sequencer to FAILED.
func (s *Sequencer) Err() error { return s.err }

// Feed validates the next envelope and advances the state.
//
// Templates are resolved against the resolver at this moment, so a token
// changed between two envelopes is seen by the second one. An envelope fed
// after COMPLETE fails the sequence; one fed after FAILED is rejected with
// the original failure.
func (s *Sequencer) Feed(resp envelope.Response) error {
	switch s.phase {
	case PhaseFailed:
		return s.err
	case PhaseComplete:
		return s.fail(&UnexpectedEnvelopeError{
			RequestID: s.requestID,
			Expected:  len(s.expected),
			Envelope:  resp.Value(),
		})
	}

	index := s.pos + 1
	if err := resp.Validate(); err != nil {
		return s.fail(&ProtocolError{RequestID: s.requestID, Index: index, Err: err})
	}
	if resp.RequestID != s.requestID {
		return s.fail(&ProtocolError{
			RequestID: s.requestID,
			Index:     index,
			Err:       fmt.Errorf("envelope carries request_id %s", resp.RequestID),
		})
	}

	m, err := template.Match(s.expected[s.pos], resp.Value(), s.resolver)
	if err != nil {
		return s.fail(fmt.Errorf("request %s: response %d of %d: %w", s.requestID, index, len(s.expected), err))
	}
	if m != nil {
		return s.fail(&MismatchError{
			RequestID: s.requestID,
			Index:     index,
			Total:     len(s.expected),
			Mismatch:  m,
			Envelope:  resp.Value(),
		})
	}

	s.pos++
	if s.pos == len(s.expected) {
		s.phase = PhaseComplete
		return nil
	}
	if resp.Terminal() {
		return s.fail(&PrematureTerminationError{
			RequestID: s.requestID,
			Index:     index,
			Total:     len(s.expected),
			State:     string(resp.RequestState.Type),
		})
	}
	return nil
}

func (s *Sequencer) fail(err error) error {
	s.phase = PhaseFailed
	s.err = err
	return err
}
