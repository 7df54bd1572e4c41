package roles

import (
	"context"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/metrics"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// Verifier answers role questions from the server-side functions. It fails
// closed: any error, a missing identity or a canceled request yields false
// or an empty set.
type Verifier struct {
	fns Functions
}

func NewVerifier(fns Functions) *Verifier {
	return &Verifier{fns: fns}
}

// IsMaster reports whether userID holds the master grant. An empty userID
// means the identity of the request session.
func (v *Verifier) IsMaster(ctx context.Context, userID string) bool {
	return v.check(ctx, "is_master", userID, func(id string) (bool, error) {
		return v.fns.IsMaster(ctx, id)
	})
}

// IsTenantAdmin reports whether userID is owner or admin of tenantID, or of
// any tenant when tenantID is empty.
func (v *Verifier) IsTenantAdmin(ctx context.Context, userID, tenantID string) bool {
	return v.check(ctx, "is_tenant_admin", userID, func(id string) (bool, error) {
		return v.fns.IsTenantAdmin(ctx, id, tenantID)
	})
}

// HasRole reports whether userID holds role.
func (v *Verifier) HasRole(ctx context.Context, userID, role string) bool {
	return v.check(ctx, "has_role", userID, func(id string) (bool, error) {
		return v.fns.HasRole(ctx, id, role)
	})
}

// GetUserRoles returns the user's grants, or an empty slice on failure.
func (v *Verifier) GetUserRoles(ctx context.Context, userID string) []string {
	id, ok := v.subject(ctx, "get_user_roles", userID)
	if !ok {
		return []string{}
	}
	roles, err := v.fns.UserRoles(ctx, id)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		v.fail(ctx, "get_user_roles", id, err)
		return []string{}
	}
	if roles == nil {
		return []string{}
	}
	return roles
}

func (v *Verifier) check(ctx context.Context, name, userID string, call func(id string) (bool, error)) bool {
	id, ok := v.subject(ctx, name, userID)
	if !ok {
		return false
	}
	result, err := call(id)
	if err == nil {
		// A result that lands after the request was canceled is discarded.
		err = ctx.Err()
	}
	if err != nil {
		v.fail(ctx, name, id, err)
		return false
	}
	return result
}

func (v *Verifier) subject(ctx context.Context, name, userID string) (string, bool) {
	if userID != "" {
		return userID, true
	}
	if identity := auth.GetIdentity(ctx); identity != nil && identity.UserID != "" {
		return identity.UserID, true
	}
	v.fail(ctx, name, "", ErrMissingIdentity)
	return "", false
}

func (v *Verifier) fail(ctx context.Context, name, userID string, err error) {
	metrics.RoleVerificationFailures.WithLabelValues(name).Inc()
	telemetry.FromContext(ctx).Warn("role verification failed, denying",
		"check", name,
		"user_id", userID,
		"error", err,
	)
}
