// Package errclass defines the stable, machine-readable error classes
// returned by auditkit.
package errclass

import "fmt"

// Error is a stable error class with an optional message and cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports whether target carries the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error of this class carrying err as its cause.
func (e *Error) Wrap(err error, msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Err: err}
}

// Wrapf is Wrap with a formatted message.
func (e *Error) Wrapf(err error, format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Err: err}
}

var (
	ErrInitialization = &Error{Code: "E_INITIALIZATION"}
	ErrWrite          = &Error{Code: "E_WRITE"}
	ErrRotation       = &Error{Code: "E_ROTATION"}
	ErrParse          = &Error{Code: "E_PARSE"}
	ErrConfiguration  = &Error{Code: "E_CONFIGURATION"}
	ErrInvalidEvent   = &Error{Code: "E_INVALID_EVENT"}
	ErrWriterClosed   = &Error{Code: "E_WRITER_CLOSED"}
	ErrChainBroken    = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
)

// Code extracts the class code from err, or "" when err is not classified.
func Code(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
