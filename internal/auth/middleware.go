package auth

import (
	"net/http"
	"strings"
)

// Middleware returns an HTTP middleware that validates JWT Bearer
// tokens and puts the principal id on the request context. When secret
// is empty, the middleware trusts the X-Principal-Id header instead
// (dev mode only).
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				if p := r.Header.Get("X-Principal-Id"); p != "" {
					r = r.WithContext(WithPrincipal(r.Context(), p))
				}
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing authorization")
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization")
				return
			}
			claims, err := ValidateToken(strings.TrimPrefix(header, prefix), secret)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := WithPrincipal(r.Context(), claims.PrincipalID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
