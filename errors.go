package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is an HTTP/2 error code, as carried on RST_STREAM and GOAWAY frames.
//
// https://tools.ietf.org/html/rfc7540#section-7
type ErrorCode uint32

const (
	NoError              ErrorCode = 0x0
	ProtocolError        ErrorCode = 0x1
	InternalError        ErrorCode = 0x2
	FlowControlError     ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError    ErrorCode = 0x5
	FrameSizeError       ErrorCode = 0x6
	RefusedStreamError   ErrorCode = 0x7
	CancelError          ErrorCode = 0x8
	CompressionError     ErrorCode = 0x9
	ConnectionError      ErrorCode = 0xa
	EnhanceYourCalmError ErrorCode = 0xb
	InadequateSecurity   ErrorCode = 0xc
	HTTP11Required       ErrorCode = 0xd
)

var errorCodeStrings = [...]string{
	NoError:              "NO_ERROR",
	ProtocolError:        "PROTOCOL_ERROR",
	InternalError:        "INTERNAL_ERROR",
	FlowControlError:     "FLOW_CONTROL_ERROR",
	SettingsTimeoutError: "SETTINGS_TIMEOUT",
	StreamClosedError:    "STREAM_CLOSED",
	FrameSizeError:       "FRAME_SIZE_ERROR",
	RefusedStreamError:   "REFUSED_STREAM",
	CancelError:          "CANCEL",
	CompressionError:     "COMPRESSION_ERROR",
	ConnectionError:      "CONNECT_ERROR",
	EnhanceYourCalmError: "ENHANCE_YOUR_CALM",
	InadequateSecurity:   "INADEQUATE_SECURITY",
	HTTP11Required:       "HTTP_1_1_REQUIRED",
}

// String returns the RFC 7540 §7 name of the error code.
func (code ErrorCode) String() string {
	if int(code) < len(errorCodeStrings) && errorCodeStrings[code] != "" {
		return errorCodeStrings[code]
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(code))
}

// Error is an HTTP/2 protocol error. frameType records which frame the
// connection should emit to signal it: FrameGoAway for a connection-scoped
// error, FrameResetStream for a stream-scoped one. This is what lets
// serverConn.writeError/Conn decide between GOAWAY and RST_STREAM from a
// plain errors.As(err, &Error{}) the way the teacher's writeError does.
type Error struct {
	frameType FrameType
	code      ErrorCode
	message   string
}

func (e *Error) Error() string {
	if e.message != "" {
		return fmt.Sprintf("http2: %s: %s", e.code, e.message)
	}
	return fmt.Sprintf("http2: %s", e.code)
}

// Code returns the error code carried by e.
func (e *Error) Code() ErrorCode {
	return e.code
}

// IsConnError reports whether e terminates the whole connection (as opposed
// to a single stream).
func (e *Error) IsConnError() bool {
	return e.frameType == FrameGoAway
}

// NewGoAwayError builds a connection-scoped protocol error, signalled to the
// peer via GOAWAY.
func NewGoAwayError(code ErrorCode, message string) *Error {
	return &Error{frameType: FrameGoAway, code: code, message: message}
}

// NewResetStreamError builds a stream-scoped protocol error, signalled to
// the peer via RST_STREAM; the connection otherwise continues.
func NewResetStreamError(code ErrorCode, message string) *Error {
	return &Error{frameType: FrameResetStream, code: code, message: message}
}

// NewError is an alias of NewResetStreamError kept for call sites (e.g.
// RstStream.Error) that just need to wrap a code without picking a frame.
func NewError(code ErrorCode, message string) *Error {
	return NewResetStreamError(code, message)
}

// NewConnError is an alias of NewGoAwayError kept for readability at call
// sites that build a connection-scoped error without a specific message.
func NewConnError(code ErrorCode, message string) *Error {
	return NewGoAwayError(code, message)
}

// NewStreamError is an alias of NewResetStreamError kept for readability at
// call sites that specifically reset a stream.
func NewStreamError(code ErrorCode, message string) *Error {
	return NewResetStreamError(code, message)
}

// Sentinel errors for malformed frames and connection setup, used before any
// stream/connection-scoped Error would apply.
var (
	ErrUnknowFrameType = errors.New("http2: unknown frame type")
	ErrMissingBytes    = errors.New("http2: frame payload is too short")
	ErrBadPreface      = errors.New("http2: bad connection preface")
	ErrPayloadExceeds  = errors.New("http2: frame payload exceeds the negotiated maximum size")
	ErrZeroPayload     = errors.New("http2: frame payload is empty")
	ErrServerSupport   = errors.New("http2: server does not support HTTP/2")
	ErrConnClosed      = errors.New("http2: connection closed")
)
