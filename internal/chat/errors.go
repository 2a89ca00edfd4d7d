package chat

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// Error is the structured failure returned to the originating connection.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Is matches on Code, so errors.Is(err, ErrForbidden) holds for any FORBIDDEN error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrForbidden    = &Error{Code: CodeForbidden, Message: "not an active participant of this conversation"}
	ErrNotFound     = &Error{Code: CodeNotFound, Message: "not found"}
	ErrBadRequest   = &Error{Code: CodeBadRequest, Message: "bad request"}
	ErrInternal     = &Error{Code: CodeInternal, Message: "internal error"}
	ErrRateLimited  = &Error{Code: CodeBadRequest, Message: "rate limited"}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError maps err to its wire form. Anything that is not already an *Error is
// reported as INTERNAL_ERROR without leaking the cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}
