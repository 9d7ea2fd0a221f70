package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

// TestAppErrorErrorFormat verifies the Error() method produces "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidStatus,
		Message: "unknown build status",
	}

	expected := "validation_invalid_status: unknown build status"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

// TestAppErrorUnwrap verifies the error chain support via Unwrap.
func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := NewAppError(ErrCodeInternalDB, "failed to load preferences", underlying)

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() returned unexpected error: got %v, want %v", appErr.Unwrap(), underlying)
	}
	if !errors.Is(fmt.Errorf("wrapped: %w", appErr), underlying) {
		t.Error("errors.Is should find the underlying error through AppError")
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", NewAppError(ErrCodeAuthTokenInvalid, "bad token", nil))

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As should extract *AppError")
	}
	if appErr.Code != ErrCodeAuthTokenInvalid {
		t.Errorf("Code = %q, want %q", appErr.Code, ErrCodeAuthTokenInvalid)
	}
}

func TestNewAppErrorWithDetails(t *testing.T) {
	details := map[string]any{"field": "status"}
	appErr := NewAppErrorWithDetails(ErrCodeValidationMissingField, "missing", nil, details)

	if appErr.Details["field"] != "status" {
		t.Errorf("Details not preserved: %v", appErr.Details)
	}
}

func TestErrorCodeHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidStatus, http.StatusBadRequest},
		{ErrCodeValidationInvalidWebhook, http.StatusBadRequest},
		{ErrCodeValidationInvalidPrefs, http.StatusBadRequest},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodeNotFoundPreferences, http.StatusNotFound},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrCodeInternalQueue, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrCodeInternalSerialization, http.StatusInternalServerError},
		{ErrCodeUpstreamUnavailable, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{ErrCodeUpstreamRejected, http.StatusBadGateway},
		{ErrCodeUpstreamTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
			appErr := NewAppError(tt.code, "x", nil)
			if got := appErr.HTTPStatus(); got != tt.want {
				t.Errorf("AppError.HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorCodeHTTPStatusUnknown(t *testing.T) {
	if got := ErrorCode("something_else").HTTPStatus(); got != http.StatusInternalServerError {
		t.Errorf("unknown code HTTPStatus() = %d, want 500", got)
	}
}

func TestAppErrorFromNotify(t *testing.T) {
	t.Run("http error carries webhook status", func(t *testing.T) {
		appErr := AppErrorFromNotify(NewHTTPError(http.StatusForbidden, "rejected"))
		if appErr.Code != ErrCodeUpstreamRejected {
			t.Errorf("Code = %q, want %q", appErr.Code, ErrCodeUpstreamRejected)
		}
		if appErr.Details["webhook_status"] != http.StatusForbidden {
			t.Errorf("webhook_status = %v, want 403", appErr.Details["webhook_status"])
		}
		if appErr.Details["kind"] != string(KindHTTPError) {
			t.Errorf("kind = %v", appErr.Details["kind"])
		}
	})

	t.Run("timeout omits webhook status", func(t *testing.T) {
		appErr := AppErrorFromNotify(NewNotifyError(KindTimeout, "deadline", nil))
		if appErr.Code != ErrCodeUpstreamTimeout {
			t.Errorf("Code = %q, want %q", appErr.Code, ErrCodeUpstreamTimeout)
		}
		if _, ok := appErr.Details["webhook_status"]; ok {
			t.Error("webhook_status should be absent for timeouts")
		}
	})
}
