package tenant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/profile"
	"github.com/crmgate/crmgate/internal/tenant"
)

type fakeTenants map[string]*tenant.Tenant

func (f fakeTenants) GetBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	if t, ok := f[slug]; ok {
		return t, nil
	}
	return nil, tenant.ErrTenantNotFound
}

type fakeMembers struct {
	rows map[string][]tenant.Member
	err  error
}

func (f fakeMembers) List(_ context.Context, tenantID string) ([]tenant.Member, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[tenantID], nil
}

type fakeProfiles struct {
	profiles map[string]*profile.Profile
	calls    int
	gotIDs   []string
	err      error
}

func (f *fakeProfiles) GetMany(_ context.Context, ids []string) (map[string]*profile.Profile, error) {
	f.calls++
	f.gotIDs = ids
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]*profile.Profile{}
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func strp(s string) *string { return &s }

func session(userID string) auth.Session {
	return auth.Session{Identity: &auth.Identity{UserID: userID}}
}

func acmeFixture() (fakeTenants, fakeMembers, *fakeProfiles) {
	now := time.Now()
	tenants := fakeTenants{"acme": {ID: acmeID, Name: "Acme", Slug: "acme", Status: tenant.StatusActive}}
	members := fakeMembers{rows: map[string][]tenant.Member{acmeID: {
		{TenantID: acmeID, UserID: u1, Role: tenant.RoleOwner, CreatedAt: now},
		{TenantID: acmeID, UserID: u2, Role: tenant.RoleMember, CreatedAt: now},
	}}}
	profiles := &fakeProfiles{profiles: map[string]*profile.Profile{
		u1: {ID: u1, Name: strp("Bruna"), Email: strp("bruna@acme.com.br")},
	}}
	return tenants, members, profiles
}

func TestView_Load_CurrentUserRole(t *testing.T) {
	tenants, members, profiles := acmeFixture()
	v := tenant.NewView(tenants, members, profiles)

	res, err := v.Load(context.Background(), session(u2), "acme")
	require.NoError(t, err)

	require.NotNil(t, res.CurrentUserRole)
	assert.Equal(t, tenant.RoleMember, *res.CurrentUserRole)
	assert.False(t, res.NotFound)
	assert.Equal(t, "Acme", res.Tenant.Name)
	require.Len(t, res.Members, 2)
}

func TestView_Load_JoinsProfilesInOneCall(t *testing.T) {
	tenants, members, profiles := acmeFixture()
	v := tenant.NewView(tenants, members, profiles)

	res, err := v.Load(context.Background(), session(u1), "acme")
	require.NoError(t, err)

	assert.Equal(t, 1, profiles.calls)
	assert.ElementsMatch(t, []string{u1, u2}, profiles.gotIDs)

	assert.Equal(t, "Bruna", res.Members[0].Name)
	assert.Equal(t, "bruna@acme.com.br", res.Members[0].Email)
	// u2 has no profile row yet.
	assert.Empty(t, res.Members[1].Name)
	assert.Empty(t, res.Members[1].Email)
	assert.Equal(t, tenant.RoleOwner, *res.CurrentUserRole)
}

func TestView_Load_NonMember(t *testing.T) {
	tenants, members, profiles := acmeFixture()
	v := tenant.NewView(tenants, members, profiles)

	res, err := v.Load(context.Background(), session("f00dcafe-0000-4000-8000-000000000009"), "acme")
	require.NoError(t, err)
	assert.Nil(t, res.CurrentUserRole)
	assert.Len(t, res.Members, 2)
}

func TestView_Load_NotFound(t *testing.T) {
	tenants, members, profiles := acmeFixture()
	v := tenant.NewView(tenants, members, profiles)

	res, err := v.Load(context.Background(), session(u1), "ghost")
	require.NoError(t, err)
	assert.True(t, res.NotFound)
	assert.NotNil(t, res.Members)
	assert.Empty(t, res.Members)
	assert.Nil(t, res.Tenant)
	assert.Equal(t, "/master", res.Back)
	assert.Zero(t, profiles.calls)
}

func TestView_Load_MembershipErrorDegrades(t *testing.T) {
	tenants, _, profiles := acmeFixture()
	v := tenant.NewView(tenants, fakeMembers{err: errors.New("timeout")}, profiles)

	res, err := v.Load(context.Background(), session(u1), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", res.Tenant.Name)
	assert.Empty(t, res.Members)
	assert.Nil(t, res.CurrentUserRole)
}

func TestView_Load_ProfileErrorKeepsRoster(t *testing.T) {
	tenants, members, profiles := acmeFixture()
	profiles.err = errors.New("timeout")
	v := tenant.NewView(tenants, members, profiles)

	res, err := v.Load(context.Background(), session(u2), "acme")
	require.NoError(t, err)
	require.Len(t, res.Members, 2)
	assert.Empty(t, res.Members[0].Name)
	assert.Equal(t, tenant.RoleMember, *res.CurrentUserRole)
}

func TestView_Load_RequiresIdentity(t *testing.T) {
	tenants, members, profiles := acmeFixture()
	v := tenant.NewView(tenants, members, profiles)

	_, err := v.Load(context.Background(), auth.Session{}, "acme")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}
