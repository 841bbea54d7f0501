// Package session holds the per-script state of a validation run and drives
// requests through a connection.
//
// A Session owns:
//   - a TokenStore of named values shared between steps
//   - an IDGenerator for request IDs
//   - the last request ID and the last response envelope
//
// SendAndValidate sends one request and feeds every response envelope for
// its request ID into a Sequencer, which walks the ordered list of expected
// templates:
//
//	AWAITING_RESPONSE_1 -> ... -> AWAITING_RESPONSE_N -> COMPLETE
//	          \__________________________________________/
//	                     mismatch, early terminal,
//	                     protocol violation -> FAILED
//
// Nothing is retried. Every failure is a typed error that names the request,
// the position of the offending envelope and, for mismatches, the field.
package session
