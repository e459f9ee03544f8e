// Package linkerr defines the link-layer error taxonomy from spec.md §7:
// kinds, not concrete type hierarchies, so state machines can branch on
// Kind() without a long type-switch.
package linkerr

import "fmt"

// Kind classifies a link-layer failure.
type Kind int

const (
	// KindTransportFatal: the serial handle cannot be opened or has become
	// unusable. Fatal; terminate the process.
	KindTransportFatal Kind = iota
	// KindHandshakeExhausted: retry budget consumed without a valid
	// Handshake-ACK. Fatal for this session.
	KindHandshakeExhausted
	// KindResponseTimeout: local to one retry attempt.
	KindResponseTimeout
	// KindResponseMismatch: a response arrived but didn't match what was
	// expected (wrong type or SEQ).
	KindResponseMismatch
	// KindResponseUnparseable: a response frame was malformed.
	KindResponseUnparseable
	// KindFrameMalformed: LENGTH out of range or a short read during body.
	KindFrameMalformed
	// KindUndecodable: payload survived framing but failed the codec.
	KindUndecodable
	// KindInvariantViolation: a bug class, e.g. codec producing >56 bytes.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindTransportFatal:
		return "TransportFatal"
	case KindHandshakeExhausted:
		return "HandshakeExhausted"
	case KindResponseTimeout:
		return "ResponseTimeout"
	case KindResponseMismatch:
		return "ResponseMismatch"
	case KindResponseUnparseable:
		return "ResponseUnparseable"
	case KindFrameMalformed:
		return "FrameMalformed"
	case KindUndecodable:
		return "Undecodable"
	case KindInvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// classification while %w-unwrapping still reaches the original error.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with kind.
func New(kind Kind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }

// Is reports whether err is a linkerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	le, ok := err.(*Error)
	return ok && le.Kind == kind
}
