// Package errors defines the sentinel errors shared by the text index engine
// and the payload index layer, plus an AppError wrapper that carries a status
// code for the CLI and service surfaces.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrIncompatibleSchema = errors.New("incompatible payload schema")
	ErrPayloadType        = errors.New("payload value has unexpected type")
	ErrReadOnly           = errors.New("index is read-only")
	ErrCorruptFile        = errors.New("corrupt index file")
	ErrUnsupportedVersion = errors.New("unsupported index file version")
	ErrBudgetExceeded     = errors.New("resource budget exceeded")
	ErrInternal           = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Is forwards to the standard library so callers only import one errors package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrIncompatibleSchema), errors.Is(err, ErrReadOnly):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrPayloadType):
		return http.StatusBadRequest
	case errors.Is(err, ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCorruptFile), errors.Is(err, ErrUnsupportedVersion):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to a process exit status for the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch HTTPStatusCode(err) {
	case http.StatusBadRequest, http.StatusNotFound:
		return 2
	case http.StatusUnprocessableEntity:
		return 3
	default:
		return 1
	}
}
