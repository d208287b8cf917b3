// Package apperr provides the error taxonomy shared by the live engine.
// Every error carries a kind so callers can decide what to show without
// string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how it should be surfaced.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindValidation        Kind = "VALIDATION"
	KindTransport         Kind = "TRANSPORT"
	KindDeviceUnavailable Kind = "DEVICE_UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
)

// Sentinels for errors.Is. They match any Error of the same kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
	ErrInternal          = &Error{Kind: KindInternal}
)

// Error is the structured error type used throughout the engine.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message)
}

func Unauthorized(op, message string) *Error {
	return New(KindUnauthorized, op, message)
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

func Transport(op string, cause error) *Error {
	return Wrap(KindTransport, op, "transport failure", cause)
}

func DeviceUnavailable(op string, cause error) *Error {
	return Wrap(KindDeviceUnavailable, op, "location unavailable", cause)
}

// KindOf extracts the kind from an error chain. Errors outside the
// taxonomy report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// UserMessage returns text suitable for showing to the end user.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		switch e.Kind {
		case KindTransport:
			return "Connection problem, please try again"
		case KindInternal:
			return "Something went wrong"
		}
		return e.Message
	}
	return "Something went wrong"
}
