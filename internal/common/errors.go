package common

import (
	"errors"
	"net/http"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeInternal             = "INTERNAL"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidCart          = "INVALID_CART"
	CodeUnknownProvider      = "UNKNOWN_PROVIDER"
	CodeIdempotentInFlight   = "IDEMPOTENT_IN_FLIGHT"
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"
	CodeProviderRejected     = "PROVIDER_REJECTED"
	CodeProviderTimeout      = "PROVIDER_TIMEOUT"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeRateLimited          = "RATE_LIMITED"
)

// AppError carries the HTTP rendering of a domain error.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WriteError renders err. Anything that is not an AppError becomes a bare 500
// so internal messages never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		JSONError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}
	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	code := appErr.Code
	if code == "" {
		code = CodeBadRequest
	}
	JSONError(w, status, code, appErr.Message, appErr.Details)
}
