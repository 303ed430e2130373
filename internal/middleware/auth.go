package middleware

import (
	"net/http"
	"strings"
)

// ServiceAuth guards internal endpoints (snapshot fetch) with a shared
// service token. Accepts both Authorization: Bearer and the
// X-Service-Token header so sidecars behind dumb proxies still work.
func ServiceAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				// No token configured: internal surface is open (dev mode).
				next.ServeHTTP(w, r)
				return
			}

			valid := false
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) == 2 && parts[0] == "Bearer" && parts[1] == token {
					valid = true
				}
			}
			if !valid && r.Header.Get("X-Service-Token") == token {
				valid = true
			}

			if !valid {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
