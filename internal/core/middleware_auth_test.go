package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"chimenotify/internal/types"
)

func bcryptHash(t *testing.T, token string) types.SecretString {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return types.SecretString(h)
}

func TestBcryptVerifier(t *testing.T) {
	v, err := NewBcryptVerifier(bcryptHash(t, "build-host-token"))
	if err != nil {
		t.Fatalf("NewBcryptVerifier: %v", err)
	}

	if err := v.Verify(context.Background(), "build-host-token"); err != nil {
		t.Errorf("correct token rejected: %v", err)
	}

	err = v.Verify(context.Background(), "wrong")
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeAuthTokenInvalid {
		t.Errorf("expected auth_token_invalid, got %v", err)
	}
}

func TestNewBcryptVerifier_RejectsBadHash(t *testing.T) {
	if _, err := NewBcryptVerifier(""); err == nil {
		t.Error("expected error for empty hash")
	}
	if _, err := NewBcryptVerifier("plaintext-not-a-hash"); err == nil {
		t.Error("expected error for non-bcrypt value")
	}
}

func authTestHandler(t *testing.T, verifier TokenVerifier) (http.Handler, *bool) {
	t.Helper()
	srv := newTestServer(t)
	srv.TokenVerifier = verifier
	reached := false
	return srv.IngestAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})), &reached
}

func TestIngestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		verifier   TokenVerifier
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"no verifier passes through", "", nil, http.StatusNoContent, ""},
		{"missing header", "", &MockTokenVerifier{Token: "t"}, http.StatusUnauthorized, types.ErrCodeAuthTokenMissing},
		{"wrong scheme", "Basic dXNlcjpwYXNz", &MockTokenVerifier{Token: "t"}, http.StatusUnauthorized, types.ErrCodeAuthTokenMissing},
		{"wrong token", "Bearer nope", &MockTokenVerifier{Token: "t"}, http.StatusUnauthorized, types.ErrCodeAuthTokenInvalid},
		{"valid token", "Bearer t", &MockTokenVerifier{Token: "t"}, http.StatusNoContent, ""},
		{"lowercase scheme", "bearer t", &MockTokenVerifier{Token: "t"}, http.StatusNoContent, ""},
		{"verifier failure", "Bearer t", &MockTokenVerifier{Err: errors.New("hash store down")}, http.StatusUnauthorized, types.ErrCodeAuthTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, reached := authTestHandler(t, tt.verifier)

			req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantCode == "" {
				if !*reached {
					t.Error("next handler should have run")
				}
				return
			}
			if *reached {
				t.Error("next handler must not run on auth failure")
			}
			var resp APIErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error.Code != string(tt.wantCode) {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Error.Code)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":     "abc",
		"BEARER abc":     "abc",
		"Bearer   abc  ": "abc",
		"Bearer ":        "",
		"Token abc":      "",
		"Bear":           "",
	}
	for in, want := range tests {
		if got := extractBearerToken(in); got != want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
