package http

import (
	"net/http"

	"smart-obd/core/internal/auth"
)

// RequireAPIKey wraps a handler with the operator API key check. The
// key travels in X-API-Key; anything the authenticator rejects gets a
// JSON 401 without reaching the handler.
func RequireAPIKey(a *auth.Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing X-API-Key header")
			return
		}
		if !a.Validate(r.Context(), apiKey) {
			writeJSONError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware is the reusable form for muxes that wrap several
// routes with the same authenticator.
type AuthMiddleware struct {
	auth *auth.Authenticator
}

func NewAuthMiddleware(a *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: a}
}

func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return RequireAPIKey(m.auth, next)
}
