package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
	"github.com/crmgate/crmgate/internal/profile"
)

// BackRoute is the parent panel offered when a slug does not resolve.
const BackRoute = "/master"

// TenantReader resolves tenants by slug.
type TenantReader interface {
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
}

// MemberLister lists a tenant's membership rows.
type MemberLister interface {
	List(ctx context.Context, tenantID string) ([]Member, error)
}

// ProfileReader batch-loads profiles by identity.
type ProfileReader interface {
	GetMany(ctx context.Context, ids []string) (map[string]*profile.Profile, error)
}

// MemberView is a membership row joined with the member's profile. Name,
// Email and AvatarURL stay empty when the profile is missing.
type MemberView struct {
	UserID    string     `json:"user_id"`
	Role      MemberRole `json:"role"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	JoinedAt  time.Time  `json:"joined_at"`
}

// ViewResult is the tenant administration screen's data.
type ViewResult struct {
	Tenant          *Tenant      `json:"tenant"`
	Members         []MemberView `json:"members"`
	CurrentUserRole *MemberRole  `json:"current_user_role"`
	NotFound        bool         `json:"not_found"`
	Back            string       `json:"back"`
}

// View loads a tenant with its roster.
type View struct {
	tenants  TenantReader
	members  MemberLister
	profiles ProfileReader
}

func NewView(tenants TenantReader, members MemberLister, profiles ProfileReader) *View {
	return &View{tenants: tenants, members: members, profiles: profiles}
}

// Load resolves slug for the session's identity. An unknown slug yields a
// NotFound result, not an error. Roster failures are logged and leave the
// member list empty.
func (v *View) Load(ctx context.Context, session auth.Session, slug string) (*ViewResult, error) {
	if !session.Authenticated() {
		return nil, auth.ErrUnauthorized
	}

	res := &ViewResult{Members: []MemberView{}, Back: BackRoute}

	t, err := v.tenants.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			res.NotFound = true
			return res, nil
		}
		return nil, fmt.Errorf("loading tenant %q: %w", slug, err)
	}
	res.Tenant = t

	logger := telemetry.FromContext(ctx)
	members, err := v.members.List(ctx, t.ID)
	if err != nil {
		logger.Warn("loading tenant members", "tenant_id", t.ID, "error", err)
		return res, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	profiles, err := v.profiles.GetMany(ctx, ids)
	if err != nil {
		logger.Warn("loading member profiles", "tenant_id", t.ID, "error", err)
		profiles = nil
	}

	for _, m := range members {
		mv := MemberView{UserID: m.UserID, Role: m.Role, JoinedAt: m.CreatedAt}
		if p := profiles[m.UserID]; p != nil {
			mv.Name = deref(p.Name)
			mv.Email = deref(p.Email)
			mv.AvatarURL = deref(p.AvatarURL)
		}
		res.Members = append(res.Members, mv)

		if m.UserID == session.Identity.UserID {
			role := m.Role
			res.CurrentUserRole = &role
		}
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
