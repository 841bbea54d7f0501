package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/shellprobe/internal/template"
)

// ErrorCode categorizes validation failures.
type ErrorCode string

const (
	// CodeMismatch indicates an envelope did not match its template.
	CodeMismatch ErrorCode = "MISMATCH"

	// CodeTimeout indicates fewer envelopes arrived than were expected.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeUnknownToken indicates a template referenced a token that was never set.
	CodeUnknownToken ErrorCode = "UNKNOWN_TOKEN"

	// CodePrematureTermination indicates a terminal envelope arrived while
	// more envelopes were still expected.
	CodePrematureTermination ErrorCode = "PREMATURE_TERMINATION"

	// CodeUnexpectedEnvelope indicates an envelope arrived after the
	// sequence had completed.
	CodeUnexpectedEnvelope ErrorCode = "UNEXPECTED_ENVELOPE"

	// CodeProtocol indicates an envelope broke the response protocol.
	CodeProtocol ErrorCode = "PROTOCOL"
)

// MismatchError reports the first template mismatch in a sequence.
type MismatchError struct {
	RequestID string

	// Index is the 1-based position of the envelope; Total is the number of
	// expected envelopes. Index is 0 for ValidateLastResponse.
	Index int
	Total int

	Mismatch *template.Mismatch

	// Envelope is the offending envelope.
	Envelope map[string]any
}

func (e *MismatchError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("%s: request %s: last response: %s", CodeMismatch, e.RequestID, e.Mismatch)
	}
	return fmt.Sprintf("%s: request %s: response %d of %d: %s", CodeMismatch, e.RequestID, e.Index, e.Total, e.Mismatch)
}

// Field returns the path of the mismatching field.
func (e *MismatchError) Field() string {
	return e.Mismatch.Field()
}

// TimeoutError reports that the per-envelope wait expired.
type TimeoutError struct {
	RequestID string
	Received  int
	Expected  int
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request %s: received %d of %d responses within %s",
		CodeTimeout, e.RequestID, e.Received, e.Expected, e.Timeout)
}

// UnknownTokenError reports a reference to a token that has no value.
type UnknownTokenError struct {
	Key string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("%s: token %q is not set", CodeUnknownToken, e.Key)
}

// PrematureTerminationError reports a terminal envelope (done or ERROR)
// that matched its template but left expected envelopes unconsumed.
type PrematureTerminationError struct {
	RequestID string
	Index     int
	Total     int
	State     string
}

func (e *PrematureTerminationError) Error() string {
	return fmt.Sprintf("%s: request %s: response %d of %d is terminal (%s) but %d more expected",
		CodePrematureTermination, e.RequestID, e.Index, e.Total, e.State, e.Total-e.Index)
}

// UnexpectedEnvelopeError reports an envelope received after the sequence
// completed.
type UnexpectedEnvelopeError struct {
	RequestID string
	Expected  int
	Envelope  map[string]any
}

func (e *UnexpectedEnvelopeError) Error() string {
	return fmt.Sprintf("%s: request %s: envelope received after all %d expected responses",
		CodeUnexpectedEnvelope, e.RequestID, e.Expected)
}

// ProtocolError reports an envelope that violates the response protocol.
type ProtocolError struct {
	RequestID string
	Index     int
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: request %s: response %d: %v", CodeProtocol, e.RequestID, e.Index, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CodeOf returns the ErrorCode of a validation error, or "" if err is not one.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var (
		mismatch   *MismatchError
		timeout    *TimeoutError
		unknown    *UnknownTokenError
		premature  *PrematureTerminationError
		unexpected *UnexpectedEnvelopeError
		protocol   *ProtocolError
	)
	switch {
	case errors.As(err, &mismatch):
		return CodeMismatch
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &unknown):
		return CodeUnknownToken
	case errors.As(err, &premature):
		return CodePrematureTermination
	case errors.As(err, &unexpected):
		return CodeUnexpectedEnvelope
	case errors.As(err, &protocol):
		return CodeProtocol
	}
	return ""
}

// IsMismatch returns true if err is a template mismatch.
func IsMismatch(err error) bool {
	var me *MismatchError
	return errors.As(err, &me)
}

// IsTimeout returns true if err is a response timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsUnknownToken returns true if err is an unknown token reference.
func IsUnknownToken(err error) bool {
	var ue *UnknownTokenError
	return errors.As(err, &ue)
}
