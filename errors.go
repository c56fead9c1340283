package amqp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors returned by the connection and negotiation layers.
var (
	// ErrInvalidHeader is returned when the first eight bytes from a peer
	// are not a protocol header.
	ErrInvalidHeader = errors.New("amqp: invalid protocol header")

	// ErrIncompatibleVersion is returned when the peer speaks a protocol
	// revision other than 1.0.0.
	ErrIncompatibleVersion = errors.New("amqp: incompatible protocol version")

	// ErrDisconnected is returned by operations on a connection whose
	// transport has been closed or has failed.
	ErrDisconnected = errors.New("amqp: disconnected")

	// ErrMaxSizeExceeded is returned when a frame or a reassembled message
	// exceeds the negotiated maximum.
	ErrMaxSizeExceeded = errors.New("amqp: max size exceeded")

	// ErrUnparsedBytesLeft is returned when a frame body contains bytes
	// past the end of its performative and payload accounting.
	ErrUnparsedBytesLeft = errors.New("amqp: unparsed bytes left in frame")

	// ErrTimeout is returned when a handshake or an idle deadline expires.
	ErrTimeout = errors.New("amqp: timeout")
)

// errNull is a sentinel returned by readCompositeHeader when a null octet
// is read in place of a composite. readComposite intercepts it and reports
// an InvalidFormatCodeError to its caller.
var errNull = errors.New("error is null")

// IncompleteError indicates that the input ended before a full value or
// frame was available. The caller should retain its buffer and retry once
// more bytes arrive.
type IncompleteError struct {
	// Needed is the total number of bytes required, when known from a
	// length prefix. Zero means the shortfall is not yet known.
	Needed int
}

func (e *IncompleteError) Error() string {
	if e.Needed > 0 {
		return fmt.Sprintf("amqp: incomplete input, need %d bytes", e.Needed)
	}
	return "amqp: incomplete input"
}

// errIncomplete is the shortfall-unknown instance. Decode paths return it
// directly to avoid an allocation per short read.
var errIncomplete = &IncompleteError{}

// InvalidFormatCodeError indicates a format code that is not defined by the
// type system or is not legal in its position.
type InvalidFormatCodeError byte

func (e InvalidFormatCodeError) Error() string {
	return fmt.Sprintf("amqp: invalid format code 0x%02x", byte(e))
}

// InvalidSizeError indicates a size or count prefix that contradicts the
// bytes that follow it.
type InvalidSizeError struct {
	Type string
	Size int
}

func (e *InvalidSizeError) Error() string {
	return fmt.Sprintf("amqp: invalid size %d for %s", e.Size, e.Type)
}

// InvalidCharError indicates a char value that is not a valid Unicode
// scalar value.
type InvalidCharError uint32

func (e InvalidCharError) Error() string {
	return fmt.Sprintf("amqp: invalid char %#x", uint32(e))
}

// InvalidDescriptorError indicates a described value whose descriptor is
// not recognized where a known composite was required.
type InvalidDescriptorError struct {
	Descriptor interface{}
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("amqp: invalid descriptor %v", e.Descriptor)
}

// UnexpectedFrameTypeError indicates a frame header whose TYPE octet is
// neither AMQP nor SASL.
type UnexpectedFrameTypeError byte

func (e UnexpectedFrameTypeError) Error() string {
	return fmt.Sprintf("amqp: unexpected frame type 0x%02x", byte(e))
}

// RequiredFieldOmittedError indicates a composite missing a mandatory
// field.
type RequiredFieldOmittedError struct {
	Field string
}

func (e *RequiredFieldOmittedError) Error() string {
	return "amqp: required field omitted: " + e.Field
}

// UnknownEnumOptionError indicates a wire value outside the legal range of
// a restricted type.
type UnknownEnumOptionError struct {
	Type  string
	Value interface{}
}

func (e *UnknownEnumOptionError) Error() string {
	return fmt.Sprintf("amqp: unknown %s option %v", e.Type, e.Value)
}

// UnexpectedProtoError indicates a protocol header carrying a different
// protocol id than the negotiation state allows.
type UnexpectedProtoError struct {
	Expected protoID
	Got      protoID
}

func (e *UnexpectedProtoError) Error() string {
	return fmt.Sprintf("amqp: expected protocol id %d, got %d", e.Expected, e.Got)
}

// WindowViolationError indicates a Transfer received while the session's
// incoming window was zero. It is fatal to the session.
type WindowViolationError struct {
	Channel uint16
}

func (e *WindowViolationError) Error() string {
	return fmt.Sprintf("amqp: incoming window violated on channel %d", e.Channel)
}

// SessionEndedError is returned by operations on a session that has ended.
// Err carries the peer's error condition when one was supplied.
type SessionEndedError struct {
	Err *Error
}

func (e *SessionEndedError) Error() string {
	if e.Err != nil {
		return "amqp: session ended: " + e.Err.Error()
	}
	return "amqp: session ended"
}

// LinkDetachedError is returned by operations on a link that has detached.
// Unresolved lists delivery tags that were in flight and never settled.
type LinkDetachedError struct {
	Err        *Error
	Unresolved [][]byte
}

func (e *LinkDetachedError) Error() string {
	if e.Err != nil {
		return "amqp: link detached: " + e.Err.Error()
	}
	return "amqp: link detached"
}

// ErrorCondition is a symbolic error condition carried in an Error value.
type ErrorCondition string

// Error conditions relevant to the engine itself.
const (
	ErrorInternalError         ErrorCondition = "amqp:internal-error"
	ErrorNotFound              ErrorCondition = "amqp:not-found"
	ErrorDecodeError           ErrorCondition = "amqp:decode-error"
	ErrorFrameSizeTooSmall     ErrorCondition = "amqp:frame-size-too-small"
	ErrorNotAllowed            ErrorCondition = "amqp:not-allowed"
	ErrorWindowViolation       ErrorCondition = "amqp:session:window-violation"
	ErrorErrantLink            ErrorCondition = "amqp:session:errant-link"
	ErrorHandleInUse           ErrorCondition = "amqp:session:handle-in-use"
	ErrorUnattachedHandle      ErrorCondition = "amqp:session:unattached-handle"
	ErrorDetachForced          ErrorCondition = "amqp:link:detach-forced"
	ErrorTransferLimitExceeded ErrorCondition = "amqp:link:transfer-limit-exceeded"
	ErrorMessageSizeExceeded   ErrorCondition = "amqp:link:message-size-exceeded"
)

// errorNew and friends keep call sites terse while preserving stacks.
var (
	errorNew    = errors.New
	errorErrorf = errors.Errorf
	errorWrapf  = errors.Wrapf
)
