package errors

import (
	"errors"
	"fmt"
)

// New creates a new Error with the specified code and message.
//
//	err := errors.New(errors.CodeMissingIDToken, "Missing ID token.")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err with a code and message. If err is nil, Wrap returns nil.
//
//	row, err := store.FindOne(ctx, filter)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeInternalDatabase, "failed to read entity")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps err with a formatted message. If err is nil, Wrapf returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validation creates a new validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound creates a new not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// NotFoundf creates a new not found error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Unauthorized creates a new authentication error.
//
//	err := errors.Unauthorized("User email is required for root client.")
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message)
}

// Unauthorizedf creates a new authentication error with a formatted message.
func Unauthorizedf(format string, args ...any) *Error {
	return Newf(CodeUnauthorized, format, args...)
}

// Forbidden creates a new authorization error.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// Conflict creates a new conflict error.
func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

// Conflictf creates a new conflict error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

// Internal creates a new internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Unavailable creates a new service unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a new timeout error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// FromError converts err to an *Error. An *Error anywhere in the chain is
// returned as-is; anything else is wrapped as an internal error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
