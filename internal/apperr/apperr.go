package apperr

import (
	"errors"
	"fmt"
)

const (
	ErrInvalidCredentials     = "invalid_credentials"
	ErrValidation             = "validation_error"
	ErrPresenceRequired       = "presence_required"
	ErrDuplicateRequest       = "duplicate_request"
	ErrNotFound               = "not_found"
	ErrIllegalStateTransition = "illegal_state_transition"
	ErrDeviceConflict         = "device_conflict"
	ErrTooManyAttempts        = "too_many_attempts"
	ErrServerError            = "server_error"
)

type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(message string) *Error {
	return &Error{Code: ErrValidation, Message: message}
}

func NotFound(what string) *Error {
	return &Error{Code: ErrNotFound, Message: what + " not found"}
}

func Internal(err error) *Error {
	return &Error{Code: ErrServerError, Message: "internal error", Err: err}
}

// CodeOf returns the code carried by err, or server_error for anything that
// is not an *Error.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrServerError
}

func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
