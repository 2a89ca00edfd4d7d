package middleware

import (
	"errors"
	"net/http"

	"github.com/convo/internal/auth"
	"github.com/convo/internal/logger"
)

// Authenticate verifies the bearer token (header or ?token=) and stores the
// user id in the request context. Failures never reach next: the handshake is
// refused with 401 before any upgrade.
func Authenticate(v auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.TokenFromRequest(r)
			if token == "" {
				writeUnauthorized(w)
				return
			}
			userID, err := v.Verify(r.Context(), token)
			if err != nil {
				if !errors.Is(err, auth.ErrUnauthorized) {
					logger.Warnf("auth: verify token %s: %v", MaskToken(token), err)
				}
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","code":"UNAUTHORIZED"}`))
}
