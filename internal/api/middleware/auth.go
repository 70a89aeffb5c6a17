package middleware

import (
	"errors"
	"net/http"

	"github.com/pyamooz/pyamooz-chat/internal/auth"
)

// Auth resolves the caller identity for every request and stores it in the
// request context. Guests get a session cookie on first contact. In required
// mode a request without a valid token is answered with 401.
func Auth(resolver auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, cookie, err := resolver.Resolve(r)
			if err != nil {
				msg := "Authentication required"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Token has expired"
				} else if !errors.Is(err, auth.ErrAuthRequired) {
					msg = "Invalid or expired token"
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
				return
			}
			if cookie != nil {
				http.SetCookie(w, cookie)
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireAdmin rejects callers that are not catalog administrators.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IdentityFromContext(r.Context()).IsAdmin() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"Admin role required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
