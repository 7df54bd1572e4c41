// Package roles is the server-trusted role verification layer. Every check
// runs a SQL function on each call; results are never cached.
package roles

import (
	"context"
	"errors"
)

// Role names stored in role_grants.
const (
	RoleMaster = "master"
	RoleAdmin  = "admin"
	RoleUser   = "user"
)

var (
	ErrMissingIdentity = errors.New("no identity to verify")
	ErrInvalidRole     = errors.New("invalid role")
)

// ValidRole reports whether role may be granted.
func ValidRole(role string) bool {
	switch role {
	case RoleMaster, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// Functions are the server-side role functions. Implementations return an
// error for any transport or server failure; the Verifier turns those into
// a deny.
type Functions interface {
	IsMaster(ctx context.Context, userID string) (bool, error)
	IsTenantAdmin(ctx context.Context, userID, tenantID string) (bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	UserRoles(ctx context.Context, userID string) ([]string, error)
}
