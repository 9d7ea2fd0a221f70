package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"chimenotify/internal/types"
)

// BcryptVerifier accepts the single ingest token whose bcrypt hash is
// configured in INGEST_TOKEN_HASH.
type BcryptVerifier struct {
	hash []byte
}

// NewBcryptVerifier parses hash and rejects values that are not bcrypt
// hashes.
func NewBcryptVerifier(hash types.SecretString) (*BcryptVerifier, error) {
	if !hash.IsSet() {
		return nil, errors.New("ingest token hash is empty")
	}
	h := []byte(hash.Unmask())
	if _, err := bcrypt.Cost(h); err != nil {
		return nil, fmt.Errorf("ingest token hash: %w", err)
	}
	return &BcryptVerifier{hash: h}, nil
}

// Verify implements TokenVerifier.
func (v *BcryptVerifier) Verify(_ context.Context, token string) error {
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid ingest token", err)
	}
	return nil
}

// IngestAuthMiddleware requires "Authorization: Bearer <token>" accepted by
// the configured TokenVerifier. It passes everything through when no
// verifier is configured.
func (s *Server) IngestAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.TokenVerifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authorization header is required", nil))
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
			return
		}

		if err := s.TokenVerifier.Verify(r.Context(), token); err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && strings.HasPrefix(string(appErr.Code), "auth_") {
				s.Logger.Warn("ingest authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error_code", string(appErr.Code)),
				)
				Error(w, r, appErr)
				return
			}

			s.Logger.Error("ingest authentication failed: unexpected error",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "Invalid authentication token", nil))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken returns the token from "Bearer <token>", matching the
// scheme case-insensitively. It returns "" for any other format.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
