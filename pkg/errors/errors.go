package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code, so errors.Is keeps working against the
// sentinel after WithInternal produced a copy.
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	// ErrNoCredentials signals that no persisted session token or user id is
	// available; hosts may fall back to polling-only operation or prompt for
	// a fresh login.
	ErrNoCredentials = &AppError{
		Code:       "credentials.missing",
		Message:    "No stored session credentials",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrCredentialsExpired signals the persisted token carries an expiry in
	// the past.
	ErrCredentialsExpired = &AppError{
		Code:       "credentials.expired",
		Message:    "Stored session credentials have expired",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrHubHandshake is returned when the initial hub connect fails. It is
	// surfaced exactly once to the caller; transport drops after a successful
	// connect are retried internally instead.
	ErrHubHandshake = &AppError{
		Code:       "hub.handshake_failed",
		Message:    "Notification hub handshake failed",
		StatusCode: http.StatusBadGateway,
	}

	// ErrBackend wraps non-2xx responses from the notification backend.
	ErrBackend = &AppError{
		Code:       "backend.request_failed",
		Message:    "Notification backend request failed",
		StatusCode: http.StatusBadGateway,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
