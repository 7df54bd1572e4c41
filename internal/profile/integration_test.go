package profile_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/database/dbtest"
	"github.com/crmgate/crmgate/internal/profile"
	"github.com/crmgate/crmgate/internal/roles"
)

func TestProfileLifecycle_Postgres(t *testing.T) {
	pool := dbtest.Setup(t, "file://../../migrations")
	ctx := context.Background()

	store := profile.NewStore(pool)
	id := uuid.NewString()
	s := auth.Session{Identity: &auth.Identity{UserID: id, Email: "carla@acme.com.br"}}

	// Separate resolvers model separate processes racing on first access.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := profile.NewResolver(store, nil).Resolve(ctx, s)
			assert.NoError(t, err)
			if p != nil {
				assert.Equal(t, auth.LevelUser, p.Level)
			}
		}()
	}
	wg.Wait()

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM profiles WHERE id = $1", id).Scan(&count))
	assert.Equal(t, 1, count)

	verifier := roles.NewVerifier(roles.NewPGFunctions(pool))
	assert.True(t, verifier.HasRole(ctx, id, roles.RoleUser))
	assert.False(t, verifier.IsMaster(ctx, id))

	svc := profile.NewLevelService(pool, store, roles.NewStore(), auth.NewBroker(), nil)
	p, err := svc.SetLevel(ctx, id, auth.LevelMaster, nil)
	require.NoError(t, err)
	assert.Equal(t, auth.LevelMaster, p.Level)

	assert.True(t, verifier.IsMaster(ctx, id))
	assert.Equal(t, []string{"master"}, verifier.GetUserRoles(ctx, id))

	many, err := store.GetMany(ctx, []string{id, uuid.NewString()})
	require.NoError(t, err)
	assert.Len(t, many, 1)
	assert.Equal(t, "carla", many[id].DisplayName())
}
