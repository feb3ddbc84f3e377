// Package auth guards the daemon's HTTP API with a shared bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrNoToken is returned when a request carries no bearer token.
	ErrNoToken = errors.New("no bearer token")
	// ErrInvalidToken is returned when the token does not match.
	ErrInvalidToken = errors.New("invalid token")
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header (RFC 7235).
// The scheme is case-insensitive.
func BearerToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}

// TokenFromRequest reads the bearer token from the Authorization header, falling back to the
// token query parameter because browsers cannot set headers on WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if token, ok := BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ValidateToken compares got with the configured token in constant time.
func ValidateToken(expected, got string) error {
	if got == "" {
		return ErrNoToken
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// RequireToken rejects requests without the configured bearer token with 401 Unauthorized.
// An empty expected token rejects everything.
func RequireToken(expected string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				logger.Warn().Msg("Auth: no API token configured, rejecting request")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if err := ValidateToken(expected, TokenFromRequest(r)); err != nil {
				logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Auth: rejected request")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
