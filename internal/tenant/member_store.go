package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crmgate/crmgate/internal/platform/database"
)

// MemberStore handles tenant_members. Writes that touch the tenant's
// current_users counter run in one transaction.
type MemberStore struct {
	db database.DB
}

func NewMemberStore(db database.DB) *MemberStore {
	return &MemberStore{db: db}
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	var role string
	if err := row.Scan(&m.TenantID, &m.UserID, &role, &m.CreatedAt); err != nil {
		return nil, err
	}
	r, err := ParseMemberRole(role)
	if err != nil {
		return nil, err
	}
	m.Role = r
	return &m, nil
}

// List returns the tenant's members in join order.
func (s *MemberStore) List(ctx context.Context, tenantID string) ([]Member, error) {
	rows, err := s.db.Query(ctx,
		`SELECT tenant_id, user_id, role, created_at
		 FROM tenant_members WHERE tenant_id = $1
		 ORDER BY created_at, user_id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// Add inserts a membership and bumps current_users, refusing when the
// tenant is at max_users.
func (s *MemberStore) Add(ctx context.Context, tenantID, userID string, role MemberRole) (*Member, error) {
	var added *Member
	err := database.WithTx(ctx, s.db, func(ctx context.Context, q database.Querier) error {
		m, err := scanMember(q.QueryRow(ctx,
			`INSERT INTO tenant_members (tenant_id, user_id, role) VALUES ($1, $2, $3)
			 ON CONFLICT (tenant_id, user_id) DO NOTHING
			 RETURNING tenant_id, user_id, role, created_at`,
			tenantID, userID, string(role),
		))
		if err != nil {
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				return ErrAlreadyMember
			case database.IsForeignKeyViolation(err):
				return ErrTenantNotFound
			}
			return fmt.Errorf("inserting member: %w", err)
		}

		tag, err := q.Exec(ctx,
			`UPDATE tenants SET current_users = current_users + 1, updated_at = now()
			 WHERE id = $1 AND current_users < max_users`,
			tenantID,
		)
		if err != nil {
			return fmt.Errorf("counting member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTenantFull
		}
		added = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// UpdateRole changes a member's role.
func (s *MemberStore) UpdateRole(ctx context.Context, tenantID, userID string, role MemberRole) (*Member, error) {
	m, err := scanMember(s.db.QueryRow(ctx,
		`UPDATE tenant_members SET role = $3
		 WHERE tenant_id = $1 AND user_id = $2
		 RETURNING tenant_id, user_id, role, created_at`,
		tenantID, userID, string(role),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("updating member: %w", err)
	}
	return m, nil
}

// Remove deletes a membership and decrements current_users.
func (s *MemberStore) Remove(ctx context.Context, tenantID, userID string) error {
	return database.WithTx(ctx, s.db, func(ctx context.Context, q database.Querier) error {
		tag, err := q.Exec(ctx,
			"DELETE FROM tenant_members WHERE tenant_id = $1 AND user_id = $2",
			tenantID, userID,
		)
		if err != nil {
			return fmt.Errorf("deleting member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrMemberNotFound
		}

		if _, err := q.Exec(ctx,
			`UPDATE tenants SET current_users = GREATEST(current_users - 1, 0), updated_at = now()
			 WHERE id = $1`,
			tenantID,
		); err != nil {
			return fmt.Errorf("counting member: %w", err)
		}
		return nil
	})
}
