package outcome

import (
	"errors"
	"net/http"
)

// Error is a classified failure decided by the gateway before or instead of
// forwarding. Status is the HTTP status the caller receives.
type Error struct {
	Kind    Kind
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns a copy of e carrying err as its cause.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// Auth builds a 401 AuthFailure.
func Auth(code, msg string) *Error {
	return &Error{Kind: AuthFailure, Code: code, Status: http.StatusUnauthorized, Message: msg}
}

// Forbidden builds a 403 AuthorizationFailure.
func Forbidden(code, msg string) *Error {
	return &Error{Kind: AuthorizationFailure, Code: code, Status: http.StatusForbidden, Message: msg}
}

// Missing builds a 404 NotFound.
func Missing(code, msg string) *Error {
	return &Error{Kind: NotFound, Code: code, Status: http.StatusNotFound, Message: msg}
}

// Invalid builds a 400 BadRequest.
func Invalid(code, msg string) *Error {
	return &Error{Kind: BadRequest, Code: code, Status: http.StatusBadRequest, Message: msg}
}

// Internal builds the generic 500 returned for unexpected faults. The cause is
// kept for logging and never rendered to callers.
func Internal(err error) *Error {
	return &Error{
		Kind:    InternalFault,
		Code:    CodeInternalError,
		Status:  http.StatusInternalServerError,
		Message: "internal gateway error",
		Err:     err,
	}
}

// As extracts an *Error from err, treating anything else as an internal fault.
func As(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return Internal(err)
}
