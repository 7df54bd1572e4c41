package roles_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmgate/crmgate/internal/roles"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestPGFunctions_IsMaster(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT is_master($1)")).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"is_master"}).AddRow(true))

	ok, err := roles.NewPGFunctions(mock).IsMaster(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFunctions_IsTenantAdmin_AnyTenant(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT is_tenant_admin($1, $2)")).
		WithArgs("u1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"is_tenant_admin"}).AddRow(false))

	ok, err := roles.NewPGFunctions(mock).IsTenantAdmin(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPGFunctions_HasRole_Error(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT has_role($1, $2)")).
		WithArgs("u1", "admin").
		WillReturnError(errors.New("server closed the connection"))

	_, err := roles.NewPGFunctions(mock).HasRole(context.Background(), "u1", "admin")
	assert.ErrorContains(t, err, "has_role")
}

func TestPGFunctions_UserRoles(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT role FROM role_grants").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"role"}).AddRow("admin").AddRow("user"))

	got, err := roles.NewPGFunctions(mock).UserRoles(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "user"}, got)
}

func TestStore_GrantIsIdempotentInsert(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("INSERT INTO role_grants").
		WithArgs("u1", "master").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, roles.NewStore().Grant(context.Background(), mock, "u1", "master"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GrantRejectsUnknownRole(t *testing.T) {
	mock := newMock(t)

	err := roles.NewStore().Grant(context.Background(), mock, "u1", "superuser")
	assert.ErrorIs(t, err, roles.ErrInvalidRole)
}

func TestStore_Revoke(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("DELETE FROM role_grants").
		WithArgs("u1", "admin").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, roles.NewStore().Revoke(context.Background(), mock, "u1", "admin"))
}
