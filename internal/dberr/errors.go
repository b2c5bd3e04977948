// Package dberr defines the error taxonomy shared by every treesync
// component. All failures surfaced to callers are *Error values carrying
// one of the fixed codes, so callers can branch on Code without parsing
// messages.
package dberr

import (
	"errors"
	"fmt"
)

// Code identifies the failure class of an Error.
type Code string

const (
	// InvalidArgument reports malformed input: bad paths, illegal
	// constraint combinations, non-scalar priorities. Always detected
	// before any network interaction.
	InvalidArgument Code = "treesync/invalid-argument"
	// PermissionDenied is surfaced verbatim from the remote service.
	PermissionDenied Code = "treesync/permission-denied"
	// NetworkFailure reports a transport-level failure; terminal for the
	// attempt that observed it.
	NetworkFailure Code = "treesync/network-failure"
	// NotSupported reports an operation unavailable on the currently
	// active transport, e.g. server-side disconnect ops while degraded.
	NotSupported Code = "treesync/not-supported"
	// Internal reports an unexpected transport or serialization failure.
	Internal Code = "treesync/internal"
)

// Error is the concrete error type returned across the module.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by code, enabling errors.Is against a
// bare New(code, "") probe.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, or Internal when err is not an
// *Error. A nil err yields the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// InvalidArgumentf is shorthand for Newf(InvalidArgument, ...).
func InvalidArgumentf(format string, args ...any) *Error {
	return Newf(InvalidArgument, format, args...)
}

// Internalf is shorthand for Newf(Internal, ...).
func Internalf(format string, args ...any) *Error {
	return Newf(Internal, format, args...)
}

// NetworkFailuref is shorthand for Newf(NetworkFailure, ...).
func NetworkFailuref(format string, args ...any) *Error {
	return Newf(NetworkFailure, format, args...)
}

// NotSupportedf is shorthand for Newf(NotSupported, ...).
func NotSupportedf(format string, args ...any) *Error {
	return Newf(NotSupported, format, args...)
}

// PermissionDeniedf is shorthand for Newf(PermissionDenied, ...).
func PermissionDeniedf(format string, args ...any) *Error {
	return Newf(PermissionDenied, format, args...)
}
