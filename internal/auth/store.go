package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crmgate/crmgate/internal/platform/database"
)

// AccountStore implements Provider on the accounts table.
type AccountStore struct {
	db       database.DB
	families *RefreshTokenStore
	resetTTL time.Duration
	now      func() time.Time
}

func NewAccountStore(db database.DB, resetTTL time.Duration) *AccountStore {
	if resetTTL <= 0 {
		resetTTL = time.Hour
	}
	return &AccountStore{db: db, families: NewRefreshTokenStore(db), resetTTL: resetTTL, now: time.Now}
}

var _ Provider = (*AccountStore)(nil)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(creds Credentials) error {
	if !strings.Contains(creds.Email, "@") {
		return fmt.Errorf("%w: email is malformed", ErrInvalidCredentials)
	}
	if len(creds.Password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidCredentials, MinPasswordLength)
	}
	return nil
}

// SignUp registers a new account and returns its identity.
func (s *AccountStore) SignUp(ctx context.Context, creds Credentials) (*Identity, error) {
	creds.Email = normalizeEmail(creds.Email)
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}

	hash, err := HashPassword(creds.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	var displayName *string
	if name := strings.TrimSpace(creds.DisplayName); name != "" {
		displayName = &name
	}

	var id string
	err = s.db.QueryRow(ctx,
		`INSERT INTO accounts (email, password_hash, display_name)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		creds.Email, hash, displayName,
	).Scan(&id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("inserting account: %w", err)
	}

	identity := &Identity{UserID: id, Email: creds.Email, TokenType: "access"}
	if displayName != nil {
		identity.DisplayName = *displayName
	}
	return identity, nil
}

// SignIn verifies an email/password pair. Unknown emails and wrong
// passwords return the same error.
func (s *AccountStore) SignIn(ctx context.Context, creds Credentials) (*Identity, error) {
	email := normalizeEmail(creds.Email)

	var id, hash, displayName string
	err := s.db.QueryRow(ctx,
		"SELECT id, password_hash, COALESCE(display_name, '') FROM accounts WHERE email = $1",
		email,
	).Scan(&id, &hash, &displayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("querying account: %w", err)
	}

	if err := VerifyPassword(hash, creds.Password); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &Identity{UserID: id, Email: email, DisplayName: displayName, TokenType: "access"}, nil
}

// SignOut revokes the token family behind identity, so neither its access
// nor its refresh tokens are accepted again. Ending an already ended
// session succeeds.
func (s *AccountStore) SignOut(ctx context.Context, identity *Identity) error {
	if identity == nil {
		return ErrUnauthorized
	}
	if identity.SessionID == "" {
		return nil
	}
	if err := s.families.RevokeFamily(ctx, identity.SessionID); err != nil && !errors.Is(err, ErrFamilyNotFound) {
		return err
	}
	return nil
}

// ResetPassword stores a hashed reset token for email and returns the raw
// token. Unknown emails return "" and no error.
func (s *AccountStore) ResetPassword(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)

	var id string
	err := s.db.QueryRow(ctx, "SELECT id FROM accounts WHERE email = $1", email).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("querying account: %w", err)
	}

	raw, err := newResetToken()
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(ctx,
		"INSERT INTO password_resets (token_hash, account_id, expires_at) VALUES ($1, $2, $3)",
		HashToken(raw), id, s.now().Add(s.resetTTL),
	)
	if err != nil {
		return "", fmt.Errorf("storing reset token: %w", err)
	}
	return raw, nil
}

// ConfirmReset consumes a reset token, sets a new password and ends every
// session of the account.
func (s *AccountStore) ConfirmReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidCredentials, MinPasswordLength)
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	return database.WithTx(ctx, s.db, func(ctx context.Context, q database.Querier) error {
		var accountID string
		err := q.QueryRow(ctx,
			`UPDATE password_resets SET used_at = now()
			 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
			 RETURNING account_id`,
			HashToken(token), s.now(),
		).Scan(&accountID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrResetTokenInvalid
			}
			return fmt.Errorf("consuming reset token: %w", err)
		}

		if _, err := q.Exec(ctx,
			"UPDATE accounts SET password_hash = $1 WHERE id = $2",
			hash, accountID,
		); err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		return NewRefreshTokenStore(q).RevokeAllForUser(ctx, accountID)
	})
}

// CurrentIdentity returns the identity of the request, if any.
func (s *AccountStore) CurrentIdentity(ctx context.Context) *Identity {
	return GetIdentity(ctx)
}

func newResetToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating reset token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
