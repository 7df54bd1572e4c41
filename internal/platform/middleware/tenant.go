package middleware

import (
	"context"
	"net/http"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

type tenantContextKey struct{}

// TenantContext copies the resolved session's tenant into the context and
// tags the request logger with it. It must run after the profile
// middleware.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := auth.GetSession(r.Context()); s.Resolved && s.TenantID != "" {
			ctx := WithTenantID(r.Context(), s.TenantID)
			ctx = telemetry.WithLogger(ctx, telemetry.FromContext(ctx).With("tenant_id", s.TenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithTenantID stores a tenant ID in ctx.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantContextKey{}).(string); ok {
		return id
	}
	return ""
}
