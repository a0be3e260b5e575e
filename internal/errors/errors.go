// Package errors defines the application error vocabulary shared by the
// scheduler core, the HTTP API surface, and the CLI.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeMethodNotAllowed Code = "METHOD_NOT_ALLOWED"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeConflict         Code = "CONFLICT"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeRateLimited      Code = "RATE_LIMITED"
)

var statusByCode = map[Code]int{
	CodeNotFound:         http.StatusNotFound,
	CodeMethodNotAllowed: http.StatusMethodNotAllowed,
	CodeValidation:       http.StatusBadRequest,
	CodeConflict:         http.StatusConflict,
	CodeForbidden:        http.StatusForbidden,
	CodeInternal:         http.StatusInternalServerError,
	CodeRateLimited:      http.StatusTooManyRequests,
}

// AppError is the canonical error type returned by the scheduler core and
// adapted into an HTTP response by the server layer.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error maps to.
func (e *AppError) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func NotFound(message string) *AppError   { return New(CodeNotFound, message) }
func Validation(message string) *AppError { return New(CodeValidation, message) }
func Conflict(message string) *AppError   { return New(CodeConflict, message) }
func Forbidden(message string) *AppError  { return New(CodeForbidden, message) }
func RateLimited(message string) *AppError { return New(CodeRateLimited, message) }
func Internal(message string, cause error) *AppError {
	return Wrap(CodeInternal, message, cause)
}

// As extracts an *AppError from err, if any part of its chain is one.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPErrorResponse is the JSON envelope every non-2xx API response carries.
//
// detail mirrors message so that clients written against the simpler
// `{"detail": "..."}` convention keep working.
type HTTPErrorResponse struct {
	Error  ErrorBody `json:"error"`
	Detail string    `json:"detail"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondWithError writes err as a JSON HTTPErrorResponse with the
// appropriate status code, defaulting unrecognized errors to 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Internal("internal error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())

	resp := HTTPErrorResponse{
		Error:  ErrorBody{Code: string(appErr.Code), Message: appErr.Message},
		Detail: appErr.Message,
	}
	_ = json.NewEncoder(w).Encode(resp)
}
