package domain

import "strings"

// User-visible messages. The two not-found wordings are distinct on purpose:
// callers rely on them to tell an identifier miss from an address miss.
const (
	MsgEnvelopeNotFound    = "Couldn't find Envelope"
	MsgNoMatchingEnvelopes = "No matching envelopes found"
	MsgEnvelopeTaken       = "Envelope has already been taken"
	MsgUpdateOriginalUser  = "Envelope can only be updated by the original user"
	MsgSignatureInvalid    = "Resource cannot be verified against the supplied public key"
	MsgDeleteOriginalUser  = "Envelope can only be deleted by the original user"
)

// ValidationError reports every missing or invalid request field, not just
// the first one encountered.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Errors, "; ")
}

// DecodeErrorKind distinguishes a broken signing container from a payload
// that does not match its declared format.
type DecodeErrorKind int

const (
	MalformedContainer DecodeErrorKind = iota
	InvalidPayload
)

// DecodeError is a non-retryable, client-caused failure to decode a signed
// container into the canonical resource representation.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case MalformedContainer:
		return "Resource is not a valid signed container: " + e.Err.Error()
	default:
		return "Resource payload is not valid for the declared format: " + e.Err.Error()
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// AuthorizationError means the mutation was not issued by the envelope's
// original signing identity, or the delete token did not check out.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string {
	return e.Message
}

// ConflictError means the envelope identifier is already occupied.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NotFoundError means no envelope matched the identifier or resource address.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}
