package sip

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentifierResolution is returned when the conversation id for a
	// contribution id cannot be looked up or stored.
	ErrIdentifierResolution = errors.New("conversation identifier resolution failed")

	// ErrInvalidRequest is returned when an INVITE cannot be constructed
	// from the given feature tags, URIs or body.
	ErrInvalidRequest = errors.New("invalid invite request")

	// ErrNilRequest is returned when request construction yields no request.
	ErrNilRequest = errors.New("no invite request to send")

	// ErrSessionBusy is returned when an attempt is started while another
	// attempt of the same session is still running.
	ErrSessionBusy = errors.New("session attempt already in progress")

	// ErrSessionNotFound is returned when no tracked session has the
	// given contribution id.
	ErrSessionNotFound = errors.New("group chat session not found")
)

// ChatErrorCode classifies a failed chat session attempt.
type ChatErrorCode int

// ChatErrorUnexpectedException is the only classification reported by the
// originating side before a response is received.
const ChatErrorUnexpectedException ChatErrorCode = 1

func (c ChatErrorCode) String() string {
	switch c {
	case ChatErrorUnexpectedException:
		return "unexpected_exception"
	default:
		return fmt.Sprintf("chat_error_%d", int(c))
	}
}

// ChatError is the failure signal delivered to the session owner.
type ChatError struct {
	Code    ChatErrorCode
	Message string

	err error
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is checks.
func (e *ChatError) Unwrap() error {
	return e.err
}

func unexpectedError(err error) *ChatError {
	return &ChatError{
		Code:    ChatErrorUnexpectedException,
		Message: err.Error(),
		err:     err,
	}
}
