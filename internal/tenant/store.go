package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crmgate/crmgate/internal/platform/database"
)

const tenantColumns = "id, name, slug, domain, status, plan, max_users, current_users, created_at, updated_at"

// Store handles tenant database operations.
type Store struct {
	db database.Querier
}

func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var status string
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Domain, &status, &t.Plan,
		&t.MaxUsers, &t.CurrentUsers, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	t.Status = st
	return &t, nil
}

// Create inserts a tenant.
func (s *Store) Create(ctx context.Context, nt NewTenant) (*Tenant, error) {
	if err := ValidateSlug(nt.Slug); err != nil {
		return nil, err
	}

	t, err := scanTenant(s.db.QueryRow(ctx,
		`INSERT INTO tenants (name, slug, domain, plan, max_users)
		 VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'basic'), COALESCE(NULLIF($5, 0), 5))
		 RETURNING `+tenantColumns,
		nt.Name, nt.Slug, nt.Domain, nt.Plan, nt.MaxUsers,
	))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrSlugTaken, nt.Slug)
		}
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// GetBySlug resolves a tenant by its unique slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	t, err := scanTenant(s.db.QueryRow(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE slug = $1", slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("getting tenant: %w", err)
	}
	return t, nil
}

// List returns all tenants ordered by name.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.Query(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}
