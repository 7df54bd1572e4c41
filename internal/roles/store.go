package roles

import (
	"context"
	"fmt"

	"github.com/crmgate/crmgate/internal/platform/database"
)

// PGFunctions calls the role functions installed by the migrations.
type PGFunctions struct {
	db database.Querier
}

func NewPGFunctions(db database.Querier) *PGFunctions {
	return &PGFunctions{db: db}
}

var _ Functions = (*PGFunctions)(nil)

func (f *PGFunctions) IsMaster(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := f.db.QueryRow(ctx, "SELECT is_master($1)", userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("calling is_master: %w", err)
	}
	return ok, nil
}

// IsTenantAdmin passes a NULL tenant when tenantID is empty, asking whether
// the user administers any tenant.
func (f *PGFunctions) IsTenantAdmin(ctx context.Context, userID, tenantID string) (bool, error) {
	var tenant *string
	if tenantID != "" {
		tenant = &tenantID
	}
	var ok bool
	if err := f.db.QueryRow(ctx, "SELECT is_tenant_admin($1, $2)", userID, tenant).Scan(&ok); err != nil {
		return false, fmt.Errorf("calling is_tenant_admin: %w", err)
	}
	return ok, nil
}

func (f *PGFunctions) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var ok bool
	if err := f.db.QueryRow(ctx, "SELECT has_role($1, $2)", userID, role).Scan(&ok); err != nil {
		return false, fmt.Errorf("calling has_role: %w", err)
	}
	return ok, nil
}

func (f *PGFunctions) UserRoles(ctx context.Context, userID string) ([]string, error) {
	return listRoles(ctx, f.db, userID)
}

func listRoles(ctx context.Context, q database.Querier, userID string) ([]string, error) {
	rows, err := q.Query(ctx,
		"SELECT role FROM role_grants WHERE user_id = $1 ORDER BY role",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying roles: %w", err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roles: %w", err)
	}
	return roles, nil
}

// Store writes role grants. Methods take the Querier so callers can run
// them inside a transaction alongside the profile level cache.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Grant is idempotent.
func (s *Store) Grant(ctx context.Context, q database.Querier, userID, role string) error {
	if !ValidRole(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	_, err := q.Exec(ctx,
		"INSERT INTO role_grants (user_id, role) VALUES ($1, $2) ON CONFLICT (user_id, role) DO NOTHING",
		userID, role,
	)
	if err != nil {
		return fmt.Errorf("granting role: %w", err)
	}
	return nil
}

// Revoke removes a grant; revoking a missing grant is not an error.
func (s *Store) Revoke(ctx context.Context, q database.Querier, userID, role string) error {
	_, err := q.Exec(ctx,
		"DELETE FROM role_grants WHERE user_id = $1 AND role = $2",
		userID, role,
	)
	if err != nil {
		return fmt.Errorf("revoking role: %w", err)
	}
	return nil
}

// List returns the user's grants in name order.
func (s *Store) List(ctx context.Context, q database.Querier, userID string) ([]string, error) {
	return listRoles(ctx, q, userID)
}
