package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error codes returned by the ingest API. Handlers use these constants
// instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidStatus  ErrorCode = "validation_invalid_status"
	ErrCodeValidationInvalidWebhook ErrorCode = "validation_invalid_webhook_url"
	ErrCodeValidationInvalidPrefs   ErrorCode = "validation_invalid_preferences"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Not Found (404)
	ErrCodeNotFoundPreferences ErrorCode = "not_found_preferences"

	// Internal/Upstream (500/502/504)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalQueue         ErrorCode = "internal_queue_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalSerialization ErrorCode = "internal_serialization_error"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamRejected      ErrorCode = "upstream_rejected"
	ErrCodeUpstreamTimeout       ErrorCode = "upstream_timeout"
)

// HTTPStatus maps an ErrorCode to its HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case c == ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the error type surfaced at the API boundary. It carries a
// stable code for clients and an internal cause for logs.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// AppErrorFromNotify converts a delivery failure to an API error. The
// webhook status code, if any, is exposed in Details.
func AppErrorFromNotify(ne *NotifyError) *AppError {
	details := map[string]any{"kind": string(ne.Kind)}
	if ne.StatusCode != 0 {
		details["webhook_status"] = ne.StatusCode
	}
	return NewAppErrorWithDetails(ne.AppCode(), "notification delivery failed", ne, details)
}
