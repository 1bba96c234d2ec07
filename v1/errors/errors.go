package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Code classifies a denial or failure surfaced by the huddle core.
type Code string

const (
	CodeLocked           Code = "LOCKED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeSessionInactive  Code = "SESSION_INACTIVE"
	CodeSessionPaused    Code = "SESSION_PAUSED"
	CodeSessionExpired   Code = "SESSION_EXPIRED"
	CodeSessionEnded     Code = "SESSION_ENDED"
	CodeConnectionFailed Code = "CONNECTION_FAILED"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeNotFound         Code = "NOT_FOUND"
)

// Sentinels usable with errors.Is. Any *Error carrying the same code matches.
var (
	ErrLocked           = &Error{Code: CodeLocked, Message: "item is locked by another participant"}
	ErrForbidden        = &Error{Code: CodeForbidden, Message: "operation requires the item lock"}
	ErrRateLimited      = &Error{Code: CodeRateLimited, Message: "too many submissions"}
	ErrCapacityExceeded = &Error{Code: CodeCapacityExceeded, Message: "session is full"}
	ErrSessionInactive  = &Error{Code: CodeSessionInactive, Message: "session is not active"}
	ErrSessionPaused    = &Error{Code: CodeSessionPaused, Message: "session is paused"}
	ErrSessionExpired   = &Error{Code: CodeSessionExpired, Message: "session has expired"}
	ErrSessionEnded     = &Error{Code: CodeSessionEnded, Message: "session has ended"}
	ErrConnectionFailed = &Error{Code: CodeConnectionFailed, Message: "live updates unavailable"}
	ErrValidation       = &Error{Code: CodeValidation, Message: "content rejected"}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Message: "invalid session token"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
)

// Error is a recoverable, typed denial. RetryAfter is set for rate-limit
// denials and Holder for lock conflicts.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Holder     string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns an *Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap returns an *Error with the given code wrapping err.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Locked returns a LOCKED error naming the current holder.
func Locked(holder string) *Error {
	return &Error{Code: CodeLocked, Message: "item is locked by another participant", Holder: holder}
}

// RateLimited returns a RATE_LIMITED error carrying the retry hint.
func RateLimited(reason string, retryAfter time.Duration) *Error {
	if reason == "" {
		reason = "too many submissions"
	}
	return &Error{Code: CodeRateLimited, Message: reason, RetryAfter: retryAfter}
}

// CodeOf extracts the code of err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RetryAfterOf extracts the retry hint of err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
