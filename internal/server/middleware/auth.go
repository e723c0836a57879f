package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

type contextKey int

const principalKey contextKey = iota

// Auth returns middleware that resolves the caller's API key (Bearer token or
// X-API-Key header) to a principal and stores it in the request context. If
// the key table is empty, authentication is disabled and requests run as an
// anonymous principal.
func Auth(keys map[string]domain.Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			principal, ok := lookupKey(keys, token)
			if !ok {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the authenticated principal stored by Auth.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok
}

// lookupKey compares the presented token against every configured key in
// constant time per key, so timing never narrows the search.
func lookupKey(keys map[string]domain.Principal, token string) (domain.Principal, bool) {
	var (
		found  bool
		result domain.Principal
	)
	for key, principal := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			found = true
			result = principal
		}
	}
	return result, found
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
