// Package profile resolves the per-identity profile, creating it on first
// access.
package profile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

var (
	ErrNotFound = errors.New("profile not found")
	// ErrConflict reports that a concurrent first access created the row.
	ErrConflict = errors.New("profile already exists")
)

// FallbackName is used when neither a display name nor an email is known.
const FallbackName = "Usuário"

// Profile is the per-identity record. Level and TenantID are a cache of
// the role grants and tenant assignment.
type Profile struct {
	ID        string     `json:"id"`
	Name      *string    `json:"name"`
	Email     *string    `json:"email"`
	AvatarURL *string    `json:"avatar_url"`
	Level     auth.Level `json:"user_level"`
	TenantID  *string    `json:"tenant_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Tenant returns the tenant id or "".
func (p *Profile) Tenant() string {
	if p.TenantID == nil {
		return ""
	}
	return *p.TenantID
}

// DisplayName returns the profile name or "".
func (p *Profile) DisplayName() string {
	if p.Name == nil {
		return ""
	}
	return *p.Name
}

// ProfileUpdate holds the self-service fields. Nil fields are unchanged.
type ProfileUpdate struct {
	Name      *string `json:"name"`
	AvatarURL *string `json:"avatar_url"`
}

// DeriveName picks the initial profile name: the display name, else the
// local part of the email, else FallbackName.
func DeriveName(identity *auth.Identity) string {
	if identity == nil {
		return FallbackName
	}
	if name := strings.TrimSpace(identity.DisplayName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(identity.Email, "@"); ok && strings.TrimSpace(local) != "" {
		return strings.TrimSpace(local)
	}
	return FallbackName
}

// parseStoredLevel maps an unknown stored level to the least privileged one.
func parseStoredLevel(ctx context.Context, id, raw string) auth.Level {
	level, err := auth.ParseLevel(raw)
	if err != nil {
		telemetry.FromContext(ctx).Warn("unknown user level on profile, treating as user",
			"profile_id", id, "user_level", raw)
		return auth.LevelUser
	}
	return level
}
