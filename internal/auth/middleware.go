package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// Middleware returns HTTP middleware that validates JWT access tokens.
// Requests without a token pass through unauthenticated; handlers and the
// route guard decide what an anonymous caller may see.
func Middleware(tokenSvc *TokenService) func(http.Handler) http.Handler {
	return MiddlewareWithSessions(tokenSvc, nil, nil)
}

// MiddlewareWithDevMode returns auth middleware that also accepts "Bearer dev"
// when devIdentity is non-nil.
func MiddlewareWithDevMode(tokenSvc *TokenService, devIdentity *Identity) func(http.Handler) http.Handler {
	return MiddlewareWithSessions(tokenSvc, nil, devIdentity)
}

// MiddlewareWithSessions is Middleware that also rejects access tokens whose
// session family was revoked by sign-out or reuse detection. A nil sessions
// skips the check; a nil devIdentity disables "Bearer dev".
func MiddlewareWithSessions(tokenSvc *TokenService, sessions SessionChecker, devIdentity *Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				if r.Header.Get("Authorization") == "" {
					next.ServeHTTP(w, r)
					return
				}
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}

			if token == "dev" && devIdentity != nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), devIdentity)))
				return
			}

			identity, err := tokenSvc.ValidateToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			// Reject refresh tokens on non-refresh endpoints
			if identity.TokenType != "access" {
				writeAuthError(w, http.StatusUnauthorized, "access token required")
				return
			}

			if sessions != nil && identity.SessionID != "" {
				active, err := sessions.IsActive(r.Context(), identity.SessionID)
				if err != nil {
					telemetry.FromContext(r.Context()).Warn("checking session", "session_id", identity.SessionID, "error", err)
					w.Header().Set("Retry-After", "1")
					writeAuthError(w, http.StatusServiceUnavailable, "session check unavailable")
					return
				}
				if !active {
					writeAuthError(w, http.StatusUnauthorized, "session ended")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireIdentity rejects requests that reached it without an identity.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r.Context()) == nil {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
