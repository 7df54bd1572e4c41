package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crmgate/crmgate/internal/platform/database"
)

var (
	ErrFamilyNotFound = errors.New("session family not found")
	ErrFamilyRevoked  = errors.New("session family revoked")
	ErrTokenReuse     = errors.New("refresh token reused")
)

// HashToken returns the SHA-256 hex digest of a raw token. Raw tokens are
// never stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenFamily is one sign-in session: the chain of refresh tokens issued
// from a single sign-in. Revoking it ends the session.
type TokenFamily struct {
	ID                string
	UserID            string
	CurrentGeneration int
	CurrentTokenHash  string
	RevokedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionChecker reports whether a session family may still be used.
type SessionChecker interface {
	IsActive(ctx context.Context, familyID string) (bool, error)
}

// RefreshTokenStore keeps session families in refresh_token_families.
type RefreshTokenStore struct {
	db database.Querier
}

func NewRefreshTokenStore(db database.Querier) *RefreshTokenStore {
	return &RefreshTokenStore{db: db}
}

var _ SessionChecker = (*RefreshTokenStore)(nil)

const familyColumns = `id, user_id, current_generation, current_token_hash, revoked_at, created_at, updated_at`

func scanFamily(row pgx.Row) (*TokenFamily, error) {
	var f TokenFamily
	err := row.Scan(&f.ID, &f.UserID, &f.CurrentGeneration, &f.CurrentTokenHash, &f.RevokedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFamily opens a family in the pending state. The first refresh token
// embeds the family ID, so its hash is stored afterwards with
// SetInitialTokenHash.
func (s *RefreshTokenStore) CreateFamily(ctx context.Context, userID string) (string, error) {
	var familyID string
	err := s.db.QueryRow(ctx,
		`INSERT INTO refresh_token_families (user_id, current_generation, current_token_hash)
		 VALUES ($1, 1, 'pending')
		 RETURNING id`,
		userID,
	).Scan(&familyID)
	if err != nil {
		return "", fmt.Errorf("creating session family: %w", err)
	}
	return familyID, nil
}

// SetInitialTokenHash records the hash of a pending family's first refresh
// token.
func (s *RefreshTokenStore) SetInitialTokenHash(ctx context.Context, familyID, tokenHash string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE refresh_token_families
		 SET current_token_hash = $1, updated_at = now()
		 WHERE id = $2 AND current_token_hash = 'pending'`,
		tokenHash, familyID,
	)
	if err != nil {
		return fmt.Errorf("setting initial token hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is not pending", ErrFamilyNotFound, familyID)
	}
	return nil
}

// RotateToken advances the family to the next generation when the presented
// token is its current one. Presenting an older token revokes the family.
func (s *RefreshTokenStore) RotateToken(ctx context.Context, familyID, presentedHash string, presentedGeneration int, newTokenHash string) (*TokenFamily, error) {
	family, err := scanFamily(s.db.QueryRow(ctx,
		`UPDATE refresh_token_families
		 SET current_generation = current_generation + 1,
		     current_token_hash = $1,
		     updated_at = now()
		 WHERE id = $2
		   AND current_token_hash = $3
		   AND current_generation = $4
		   AND revoked_at IS NULL
		 RETURNING `+familyColumns,
		newTokenHash, familyID, presentedHash, presentedGeneration,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.diagnoseRotationFailure(ctx, familyID)
		}
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	return family, nil
}

func (s *RefreshTokenStore) diagnoseRotationFailure(ctx context.Context, familyID string) error {
	var revokedAt *time.Time
	err := s.db.QueryRow(ctx,
		"SELECT revoked_at FROM refresh_token_families WHERE id = $1",
		familyID,
	).Scan(&revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFamilyNotFound
		}
		return fmt.Errorf("diagnosing rotation failure: %w", err)
	}
	if revokedAt != nil {
		return ErrFamilyRevoked
	}

	// Active family, stale token: someone replayed an old refresh token.
	if err := s.RevokeFamily(ctx, familyID); err != nil {
		return fmt.Errorf("revoking family after reuse: %w", err)
	}
	return ErrTokenReuse
}

// RevokeFamily ends one session.
func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, familyID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE refresh_token_families
		 SET revoked_at = now(), updated_at = now()
		 WHERE id = $1 AND revoked_at IS NULL`,
		familyID,
	)
	if err != nil {
		return fmt.Errorf("revoking session family: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFamilyNotFound
	}
	return nil
}

// RevokeAllForUser ends every session of userID.
func (s *RefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE refresh_token_families
		 SET revoked_at = now(), updated_at = now()
		 WHERE user_id = $1 AND revoked_at IS NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("revoking sessions for user: %w", err)
	}
	return nil
}

// IsActive reports whether the family exists and has not been revoked.
func (s *RefreshTokenStore) IsActive(ctx context.Context, familyID string) (bool, error) {
	var active bool
	err := s.db.QueryRow(ctx,
		"SELECT revoked_at IS NULL FROM refresh_token_families WHERE id = $1",
		familyID,
	).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("checking session family: %w", err)
	}
	return active, nil
}

// GetFamily returns one family.
func (s *RefreshTokenStore) GetFamily(ctx context.Context, familyID string) (*TokenFamily, error) {
	family, err := scanFamily(s.db.QueryRow(ctx,
		"SELECT "+familyColumns+" FROM refresh_token_families WHERE id = $1",
		familyID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFamilyNotFound
		}
		return nil, fmt.Errorf("getting session family: %w", err)
	}
	return family, nil
}
