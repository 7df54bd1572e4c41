package rbac

import (
	"encoding/json"
	"net/http"

	"github.com/crmgate/crmgate/internal/audit"
	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/metrics"
)

// MiddlewareOption configures RBAC middleware behavior.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	audit audit.Logger
}

// WithAuditLogger attaches an audit logger to log denials.
func WithAuditLogger(logger audit.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.audit = logger
	}
}

func buildConfig(opts []MiddlewareOption) middlewareConfig {
	mc := middlewareConfig{audit: audit.NopLogger{}}
	for _, opt := range opts {
		opt(&mc)
	}
	return mc
}

// RequirePermission returns middleware that checks the session level
// against the policy. Sessions whose profile could not be resolved get 503
// so the client retries instead of treating it as a denial.
func RequirePermission(checker *Checker, resource string, action Action, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mc := buildConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := auth.GetSession(r.Context())
			if !s.Authenticated() {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			if !s.Resolved {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profile unavailable"})
				return
			}

			decision := checker.Authorize(r.Context(), resource, action)
			if !decision.Allowed {
				metrics.AccessDenied.WithLabelValues("permission").Inc()
				mc.audit.Log(r.Context(), audit.NewEvent(r.Context(), audit.ActionAccessDenied, resource, "", map[string]any{
					audit.MetadataAction: string(action),
					audit.MetadataReason: decision.Reason,
					audit.MetadataPath:   r.URL.Path,
				}))
				writeJSON(w, http.StatusForbidden, map[string]string{
					"error":  "forbidden",
					"reason": decision.Reason,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireVerifiedRole admits callers holding any of roles according to the
// server-side role functions. Verification failures deny.
func RequireVerifiedRole(verifier RoleVerifier, roles []string, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mc := buildConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}

			for _, role := range roles {
				if verifyRole(r, verifier, identity.UserID, role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			metrics.AccessDenied.WithLabelValues("verified_role").Inc()
			mc.audit.Log(r.Context(), audit.NewEvent(r.Context(), audit.ActionAccessDenied, "role", "", map[string]any{
				audit.MetadataRole: roles,
				audit.MetadataPath: r.URL.Path,
			}))
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		})
	}
}

func verifyRole(r *http.Request, verifier RoleVerifier, userID, role string) bool {
	if role == string(auth.LevelMaster) {
		return verifier.IsMaster(r.Context(), userID)
	}
	return verifier.HasRole(r.Context(), userID, role)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
