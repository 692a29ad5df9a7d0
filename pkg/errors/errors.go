package errors

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies an error for wire-level reporting and for deciding whether
// the connection survives the failing command.
type Code string

const (
	// CodeAuthentication means the handshake credential could not be
	// resolved or the identity is banned. The connection is refused.
	CodeAuthentication Code = "authentication"

	// CodeAuthorization means the command targets something the identity is
	// not allowed to touch (e.g. a room outside the allow-list). The command
	// is rejected but the connection stays open.
	CodeAuthorization Code = "authorization"

	// CodeValidation means the payload was malformed or the message kind is
	// unknown. The command is rejected; repeated violations close the
	// connection.
	CodeValidation Code = "validation"

	// CodeRateLimited means the identity exhausted its window for this
	// namespace. RetryAfter carries the hint sent back to the client.
	CodeRateLimited Code = "rate_limited"

	// CodeBackplaneUnavailable means a publish or subscribe against the
	// shared backplane failed. Callers degrade to local-only delivery.
	CodeBackplaneUnavailable Code = "backplane_unavailable"

	// CodeInternal is everything else.
	CodeInternal Code = "internal"
)

// Error is the typed error used across the gateway. Message is safe to send
// to clients; Err holds the underlying cause for logs.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Authentication builds a connection-refusing error.
func Authentication(msg string, cause error) *Error {
	return &Error{Code: CodeAuthentication, Message: msg, Err: cause}
}

// Authorization builds a command-rejecting error that keeps the connection.
func Authorization(msg string) *Error {
	return &Error{Code: CodeAuthorization, Message: msg}
}

// Validation builds a malformed-payload error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// RateLimited builds a rejection carrying a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// Backplane wraps a backplane failure.
func Backplane(msg string, cause error) *Error {
	return &Error{Code: CodeBackplaneUnavailable, Message: msg, Err: cause}
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: cause}
}

// CodeOf extracts the Code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
