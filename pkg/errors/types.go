package errors

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
)

// Error is the structured error returned by TAuth components. Values are
// treated as immutable: the With* helpers return modified copies.
type Error struct {
	// Code is the machine-readable error code (e.g., "AUTH_002").
	Code Code

	// Message is the human-readable message returned to the caller. It must
	// never contain credential material.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Loc locates the offending input, e.g. ["header", "Authorization"].
	Loc []string

	// Details carries structured context such as policy engine output.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of this error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the machine-readable type name of the error.
func (e *Error) Kind() string {
	return e.Code.Kind()
}

// HTTPStatus returns the HTTP status code for this error's category.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "AUTHZ":
		return http.StatusForbidden
	case "NF":
		return http.StatusNotFound
	case "CONF":
		return http.StatusConflict
	case "INT":
		return http.StatusInternalServerError
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) clone() *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Loc:     slices.Clone(e.Loc),
		Details: maps.Clone(e.Details),
	}
}

// WithLoc returns a copy of the error located at the given path.
func (e *Error) WithLoc(loc ...string) *Error {
	c := e.clone()
	c.Loc = slices.Clone(loc)
	return c
}

// WithDetails returns a copy of the error with details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]any, len(details))
	}
	maps.Copy(c.Details, details)
	return c
}

// WithDetail returns a copy of the error with a single detail added.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format implements fmt.Formatter. %+v includes loc, details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Loc) > 0 {
				fmt.Fprintf(s, ", Loc: %v", e.Loc)
			}
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
