package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// NotifyErrorKind classifies why a notification could not be delivered.
type NotifyErrorKind string

const (
	KindInvalidConfig      NotifyErrorKind = "invalid_config"
	KindTimeout            NotifyErrorKind = "timeout"
	KindConnectionError    NotifyErrorKind = "connection_error"
	KindHTTPError          NotifyErrorKind = "http_error"
	KindSerializationError NotifyErrorKind = "serialization_error"
)

// NotifyError is returned by the webhook client and the dispatcher. It is
// always recoverable: callers log it and carry on.
type NotifyError struct {
	Kind NotifyErrorKind
	// StatusCode is set only for KindHTTPError.
	StatusCode int
	// RetryAfter is the delay the receiver asked for on 429, if any.
	RetryAfter time.Duration
	Message    string
	Err        error
}

// NewNotifyError builds a NotifyError of the given kind.
func NewNotifyError(kind NotifyErrorKind, message string, err error) *NotifyError {
	return &NotifyError{Kind: kind, Message: message, Err: err}
}

// NewHTTPError builds a KindHTTPError for a non-2xx webhook response.
func NewHTTPError(statusCode int, message string) *NotifyError {
	return &NotifyError{Kind: KindHTTPError, StatusCode: statusCode, Message: message}
}

// Error implements the error interface.
func (e *NotifyError) Error() string {
	msg := string(e.Kind)
	if e.Kind == KindHTTPError {
		msg = fmt.Sprintf("%s(%d)", e.Kind, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *NotifyError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt could succeed without a
// configuration change.
func (e *NotifyError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnectionError:
		return true
	case KindHTTPError:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// AppCode maps the delivery failure onto the API error vocabulary.
func (e *NotifyError) AppCode() ErrorCode {
	switch e.Kind {
	case KindInvalidConfig:
		return ErrCodeValidationInvalidWebhook
	case KindTimeout:
		return ErrCodeUpstreamTimeout
	case KindConnectionError:
		return ErrCodeUpstreamUnavailable
	case KindHTTPError:
		if e.StatusCode == http.StatusTooManyRequests {
			return ErrCodeUpstreamRateLimited
		}
		return ErrCodeUpstreamRejected
	default:
		return ErrCodeInternalSerialization
	}
}

// AsNotifyError extracts a NotifyError from an error chain.
func AsNotifyError(err error) (*NotifyError, bool) {
	var ne *NotifyError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// IsNotifyKind reports whether err carries a NotifyError of the given kind.
func IsNotifyKind(err error, kind NotifyErrorKind) bool {
	ne, ok := AsNotifyError(err)
	return ok && ne.Kind == kind
}
