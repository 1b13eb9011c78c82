// ABOUTME: HTTP middleware for bearer token authentication on API endpoints
// ABOUTME: Extracts the token from the Authorization header and adds the session to context

package auth

import (
	"net/http"
	"strings"
)

// SessionLookup resolves a token to its live session.
type SessionLookup interface {
	Lookup(token string) (Session, bool)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerToken returns the bearer token of r, or "" if there is none.
func BearerToken(r *http.Request) string {
	token, _ := extractBearerToken(r.Header.Get("Authorization"))
	return token
}

// HTTPAuthMiddleware rejects requests without a valid bearer token and adds
// the session to the request context.
func HTTPAuthMiddleware(sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			sess, ok := sessions.Lookup(token)
			if !ok {
				writeUnauthorized(w, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
