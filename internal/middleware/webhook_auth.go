package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/response"
)

// WebhookAuth returns middleware that checks the static bearer credential
// presented by the Media Stage Service on stage-result callbacks.
func WebhookAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				response.Unauthorized(w, "Webhook auth not configured")
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				response.Unauthorized(w, "Invalid webhook token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
