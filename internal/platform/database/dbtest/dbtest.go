// Package dbtest starts a migrated Postgres container for integration tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/crmgate/crmgate/internal/platform/database"
)

// Setup skips under -short; otherwise it returns a pool on a fresh database
// with all migrations applied. migrationsURL is relative to the calling
// package, e.g. "file://../../migrations".
func Setup(t *testing.T, migrationsURL string) *database.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("crmgate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(connStr, migrationsURL))

	pool, err := database.Connect(ctx, database.PoolConfig{URL: connStr, MaxConns: 5})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}
