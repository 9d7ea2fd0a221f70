package core

import (
	"net/http"

	"chimenotify/internal/types"
)

// BodyLimitMiddleware rejects requests that declare a body larger than
// limit and caps the rest with http.MaxBytesReader.
func BodyLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				Error(w, r, types.NewAppError(
					types.ErrCodeValidationInvalidJSON,
					"request body must not exceed 1MB",
					nil,
				))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
