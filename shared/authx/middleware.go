package authx

import (
	"net/http"
	"strings"

	"content-pipeline/shared/httpx"
)

// Middleware guards the job endpoints with bearer token verification.
// A nil Verifier means auth is not configured and requests pass through.
type Middleware struct {
	Verifier *JWTVerifier
	Skip     func(*http.Request) bool
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), auth)))
	})
}
