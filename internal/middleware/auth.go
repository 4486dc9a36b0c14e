package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// RequireBearer rejects requests whose Authorization header does not carry
// exactly "Bearer <secret>". The comparison runs in constant time and happens
// before the body is read.
func RequireBearer(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte("Bearer " + secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if secret == "" || subtle.ConstantTimeCompare(got, want) != 1 {
				logger.Warn("unauthorized bridge request",
					"remote", RealIP(r),
					"scheme_present", strings.HasPrefix(string(got), "Bearer "),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
