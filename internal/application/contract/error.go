package contract

import (
	"errors"
	"fmt"
)

// Error is a contract violation: a payload or invariant failed validation.
// Code is a stable machine-readable string, Context carries the offending
// values for the status sink.
type Error struct {
	Code    string
	Message string
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewError builds a contract error with the given code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a contract error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithContext attaches context values and returns the same error.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// AsContract extracts a contract error from an error chain.
func AsContract(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
