package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"aitextspeak/internal/types"
)

// RequireInternalKey returns middleware that authenticates the frontend
// proxy via the X-Api-Key header. The comparison is constant-time so timing
// does not leak key prefixes. An empty configured key rejects everything,
// which fails safe on misconfiguration.
func RequireInternalKey(key types.SecretString) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-Api-Key")
			if presented == "" {
				writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "X-Api-Key header is required")
				return
			}
			if !secretsEqual(presented, key.Unmask()) {
				writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCronSecret returns middleware that authenticates the external cron
// caller of the reconciliation endpoint via a bearer token.
func RequireCronSecret(secret types.SecretString) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "bearer token is required")
				return
			}
			if !secretsEqual(token, secret.Unmask()) {
				writeAuthError(w, r, types.ErrCodeAuthCronSecret, "invalid cron secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken parses the Authorization header value and returns the
// token string. The "Bearer " scheme prefix is matched case-insensitively
// per RFC 7235. Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// secretsEqual compares two secrets in constant time. Both sides must be
// non-empty; an unset configured secret never matches.
func secretsEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// writeAuthError writes a 401 JSON response with the given error code.
func writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
