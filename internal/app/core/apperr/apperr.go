// Package apperr implements the error taxonomy every layer of the service
// converts into before it reaches the HTTP boundary: ValidationError,
// AuthError, PermissionError, NotFound, ConflictError, GatewayError,
// TransientError, InternalError.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code names one of the taxonomy's error kinds.
type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeAuth       Code = "AUTH_ERROR"
	CodePermission Code = "PERMISSION_ERROR"
	CodeNotFound   Code = "NOT_FOUND"
	CodeConflict   Code = "CONFLICT_ERROR"
	CodeGateway    Code = "GATEWAY_ERROR"
	CodeTransient  Code = "TRANSIENT_ERROR"
	CodeInternal   Code = "INTERNAL_ERROR"
)

var httpStatus = map[Code]int{
	CodeValidation: http.StatusBadRequest,
	CodeAuth:       http.StatusUnauthorized,
	CodePermission: http.StatusForbidden,
	CodeNotFound:   http.StatusNotFound,
	CodeConflict:   http.StatusBadRequest,
	CodeGateway:    http.StatusBadGateway,
	CodeTransient:  http.StatusServiceUnavailable,
	CodeInternal:   http.StatusInternalServerError,
}

// AppError is the structured error every layer below the HTTP boundary
// should produce instead of a bare error string.
type AppError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e with Details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(details))
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// New builds an AppError of the given code with a message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus[code]}
}

// Wrap builds an AppError of the given code wrapping an underlying error.
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus[code], Err: err}
}

func Validation(msg string) *AppError { return New(CodeValidation, msg) }
func Auth(msg string) *AppError       { return New(CodeAuth, msg) }
func Permission(msg string) *AppError { return New(CodePermission, msg) }
func NotFound(msg string) *AppError   { return New(CodeNotFound, msg) }
func Conflict(msg string) *AppError   { return New(CodeConflict, msg) }
func Gateway(msg string, err error) *AppError {
	return Wrap(CodeGateway, msg, err)
}
func Transient(msg string, err error) *AppError {
	return Wrap(CodeTransient, msg, err)
}
func Internal(msg string, err error) *AppError {
	return Wrap(CodeInternal, msg, err)
}

// Is reports whether err is an *AppError with the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// As extracts an *AppError from err, if present.
func As(err error) (*AppError, bool) {
	var ae *AppError
	ok := errors.As(err, &ae)
	return ae, ok
}

// HTTPStatusOf returns the HTTP status for err, defaulting to 500 for
// errors that are not an *AppError.
func HTTPStatusOf(err error) int {
	if ae, ok := As(err); ok {
		if ae.HTTPStatus != 0 {
			return ae.HTTPStatus
		}
		return httpStatus[ae.Code]
	}
	return http.StatusInternalServerError
}
