// Package coreerrors provides unified error definitions for the subscription
// core. All errors are defined here with error codes for easy identification.
package coreerrors

import (
	"fmt"
)

// ErrorCode represents a unique error code for each error type.
type ErrorCode string

// Error codes for all subscription-core errors (WS-xxx).
const (
	CodeConnectFailed       ErrorCode = "WS-001"
	CodeTransportError      ErrorCode = "WS-002"
	CodeTransportClosed     ErrorCode = "WS-003"
	CodeMalformedFrame      ErrorCode = "WS-004"
	CodeMissingUserHandlers ErrorCode = "WS-005"
	CodeUnknownUser         ErrorCode = "WS-006"
	CodeRateLimiterClosed   ErrorCode = "WS-007"
	CodeCapacityExceeded    ErrorCode = "WS-008"
	CodeInvalidConfig       ErrorCode = "WS-009"
	CodeCircuitOpen         ErrorCode = "WS-010"
)

// Error represents a structured error with code and message.
type Error struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is implements error comparison for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel errors of the subscription core, comparable with errors.Is.
var (
	// ErrConnectFailed identifies a failed transport open to a channel endpoint.
	// The sockets do not wrap dial failures in it; OnError receives the dialer's own error.
	ErrConnectFailed = New(CodeConnectFailed, "failed to open websocket connection")
	// ErrTransportError identifies an error reported by an open transport.
	// The sockets pass the transport's own error to OnError, not this sentinel.
	ErrTransportError = New(CodeTransportError, "websocket transport error")
	// ErrTransportClosed identifies an unexpected close of an open transport.
	// The sockets report closes through OnWSClose with the close code and reason; this sentinel is not emitted.
	ErrTransportClosed = New(CodeTransportClosed, "websocket transport closed")
	// ErrMalformedFrame is returned when an inbound text frame fails to parse as JSON.
	ErrMalformedFrame = New(CodeMalformedFrame, "malformed inbound frame")
	// ErrMissingUserHandlers is returned when connectUserSocket is called before setUserHandlers.
	ErrMissingUserHandlers = New(CodeMissingUserHandlers, "user handlers must be set before connecting a user socket")
	// ErrUnknownUser identifies an apiKey with no user group. DisconnectUserSocket
	// does not return it: disconnecting an unknown apiKey is a no-op.
	ErrUnknownUser = New(CodeUnknownUser, "no user group registered for api key")
	// ErrRateLimiterClosed is returned when a schedule is attempted after the limiter stopped.
	ErrRateLimiterClosed = New(CodeRateLimiterClosed, "rate limiter is stopped")
	// ErrCapacityExceeded is an internal invariant violation: a group grew past its configured cap.
	ErrCapacityExceeded = New(CodeCapacityExceeded, "group exceeds configured capacity")
	// ErrInvalidConfig is returned when a supplied manager configuration fails validation.
	ErrInvalidConfig = New(CodeInvalidConfig, "invalid manager configuration")
	// ErrCircuitOpen is returned when a dial is attempted while the endpoint's circuit breaker is open.
	ErrCircuitOpen = New(CodeCircuitOpen, "dial circuit breaker is open")
)
