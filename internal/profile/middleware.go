package profile

import (
	"net/http"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// Middleware resolves the caller's profile and derives a resolved session
// from it. A failed resolution leaves the session unresolved; downstream
// gates report that as a retryable state rather than a denial.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := auth.GetSession(r.Context())
			if !s.Authenticated() || s.Resolved {
				next.ServeHTTP(w, r)
				return
			}

			p, err := resolver.Resolve(r.Context(), s)
			if err != nil {
				telemetry.FromContext(r.Context()).Warn("profile resolution failed",
					"user_id", s.Identity.UserID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			ctx := auth.WithSession(r.Context(), s.WithProfile(p.Level, p.Tenant()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
