package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crmgate/crmgate/internal/auth"
)

func TestSession_ZeroValueIsUnauthenticated(t *testing.T) {
	s := auth.GetSession(context.Background())
	assert.False(t, s.Authenticated())
	assert.False(t, s.Resolved)
	assert.Nil(t, auth.GetIdentity(context.Background()))
}

func TestSession_WithProfileDoesNotMutateOriginal(t *testing.T) {
	ctx := auth.WithIdentity(context.Background(), &auth.Identity{UserID: "u1"})
	base := auth.GetSession(ctx)

	resolved := base.WithProfile(auth.LevelAdmin, "tenant-1")

	assert.False(t, base.Resolved)
	assert.Empty(t, base.Level)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, auth.LevelAdmin, resolved.Level)
	assert.Equal(t, "tenant-1", resolved.TenantID)
	assert.Same(t, base.Identity, resolved.Identity)
}

func TestParseLevel(t *testing.T) {
	for _, in := range []string{"master", "admin", "user", " Admin "} {
		_, err := auth.ParseLevel(in)
		assert.NoError(t, err, in)
	}

	_, err := auth.ParseLevel("superuser")
	assert.ErrorIs(t, err, auth.ErrInvalidLevel)

	_, err = auth.ParseLevel("")
	assert.ErrorIs(t, err, auth.ErrInvalidLevel)
}
