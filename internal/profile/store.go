package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/database"
)

const profileColumns = "id, name, email, avatar_url, user_level, tenant_id, created_at, updated_at"

// Store handles profile persistence.
type Store struct {
	db database.Querier
}

func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

func scanProfile(ctx context.Context, row pgx.Row) (*Profile, error) {
	var p Profile
	var level string
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.AvatarURL, &level, &p.TenantID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Level = parseStoredLevel(ctx, p.ID, level)
	return &p, nil
}

// Get returns the profile for id.
func (s *Store) Get(ctx context.Context, id string) (*Profile, error) {
	p, err := scanProfile(ctx, s.db.QueryRow(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	return p, nil
}

// NewProfile is the input of Create.
type NewProfile struct {
	ID    string
	Name  string
	Email string
}

// Create inserts a user-level profile with no tenant and grants it the
// user role. It returns ErrConflict when the profile already exists.
func (s *Store) Create(ctx context.Context, np NewProfile) (*Profile, error) {
	var email *string
	if np.Email != "" {
		email = &np.Email
	}

	p, err := scanProfile(ctx, s.db.QueryRow(ctx,
		`WITH created AS (
			INSERT INTO profiles (id, name, email, user_level)
			VALUES ($1, $2, $3, 'user')
			ON CONFLICT (id) DO NOTHING
			RETURNING `+profileColumns+`
		), granted AS (
			INSERT INTO role_grants (user_id, role)
			SELECT id, 'user' FROM created
			ON CONFLICT (user_id, role) DO NOTHING
		)
		SELECT `+profileColumns+` FROM created`,
		np.ID, np.Name, email,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || database.IsUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("creating profile: %w", err)
	}
	return p, nil
}

// GetMany returns the profiles for ids keyed by id. Missing ids are absent
// from the map.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*Profile, error) {
	out := make(map[string]*Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE id = ANY($1::uuid[])", ids)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProfile(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating profiles: %w", err)
	}
	return out, nil
}

// UpdateSelf changes the self-service fields.
func (s *Store) UpdateSelf(ctx context.Context, id string, upd ProfileUpdate) (*Profile, error) {
	p, err := scanProfile(ctx, s.db.QueryRow(ctx,
		`UPDATE profiles
		 SET name = COALESCE($2, name), avatar_url = COALESCE($3, avatar_url), updated_at = now()
		 WHERE id = $1
		 RETURNING `+profileColumns,
		id, upd.Name, upd.AvatarURL,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return p, nil
}

// SetLevel rewrites the cached level and tenant. It runs on q so callers
// can pair it with the role grant change in one transaction.
func (s *Store) SetLevel(ctx context.Context, q database.Querier, id string, level auth.Level, tenantID *string) (*Profile, error) {
	p, err := scanProfile(ctx, q.QueryRow(ctx,
		`UPDATE profiles
		 SET user_level = $2, tenant_id = $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+profileColumns,
		id, string(level), tenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("setting profile level: %w", err)
	}
	return p, nil
}
