package feedproto

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies protocol and backend failures on the wire.
type ErrorCode int32

const (
	CodeUnspecified         ErrorCode = 0
	CodeVersionUnsupported  ErrorCode = 1
	CodeBadMessage          ErrorCode = 2
	CodeBadSequence         ErrorCode = 3
	CodeUnsupportedFormat   ErrorCode = 4
	CodeInvalidFrame        ErrorCode = 5
	CodeFrameTooLarge       ErrorCode = 6
	CodeModelNotReady       ErrorCode = 7
	CodeOOM                 ErrorCode = 8
	CodeBackpressureTimeout ErrorCode = 9
	CodeInternal            ErrorCode = 10
)

func (c ErrorCode) String() string {
	switch c {
	case CodeVersionUnsupported:
		return "VERSION_UNSUPPORTED"
	case CodeBadMessage:
		return "BAD_MESSAGE"
	case CodeBadSequence:
		return "BAD_SEQUENCE"
	case CodeUnsupportedFormat:
		return "UNSUPPORTED_FORMAT"
	case CodeInvalidFrame:
		return "INVALID_FRAME"
	case CodeFrameTooLarge:
		return "FRAME_TOO_LARGE"
	case CodeModelNotReady:
		return "MODEL_NOT_READY"
	case CodeOOM:
		return "OOM"
	case CodeBackpressureTimeout:
		return "BACKPRESSURE_TIMEOUT"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("ERROR_CODE(%d)", int32(c))
	}
}

// Fatal reports whether a peer reporting this code ends the conversation.
// The connection is closed and the edge falls back to its reconnect loop.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeVersionUnsupported, CodeBadMessage, CodeBadSequence:
		return true
	default:
		return false
	}
}

// Degrades reports whether this code should trigger format degradation on
// the edge instead of closing the connection.
func (c ErrorCode) Degrades() bool {
	switch c {
	case CodeUnsupportedFormat, CodeInvalidFrame, CodeFrameTooLarge:
		return true
	default:
		return false
	}
}

// Transient reports whether this code describes a recoverable backend
// condition. The frame it answers is lost, the connection stays up.
func (c ErrorCode) Transient() bool {
	switch c {
	case CodeModelNotReady, CodeOOM, CodeBackpressureTimeout, CodeInternal:
		return true
	default:
		return false
	}
}

// ProtocolError is a protocol violation or backend failure expressible as a
// wire-level ERROR message.
type ProtocolError struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Info converts the error into its wire representation.
func (e *ProtocolError) Info() *ErrorInfo {
	return &ErrorInfo{
		Code:         e.Code,
		Message:      e.Message,
		RetryAfterMS: uint32(e.RetryAfter / time.Millisecond),
	}
}

// Errorf builds a ProtocolError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsProtocolError extracts a ProtocolError from an error chain.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the wire code for err, mapping unclassified errors to
// INTERNAL.
func CodeOf(err error) ErrorCode {
	if pe, ok := AsProtocolError(err); ok {
		return pe.Code
	}
	return CodeInternal
}
