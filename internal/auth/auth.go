package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrUserNotFound       = errors.New("user not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidLevel       = errors.New("invalid user level")
	ErrResetTokenInvalid  = errors.New("password reset token invalid or expired")
)

// Identity represents an authenticated user's claims. It carries no roles:
// authorization is never decided from token contents.
type Identity struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	TokenType   string `json:"token_type"` // "access" or "refresh"
	// SessionID is the refresh token family the token belongs to. Empty
	// for dev-mode identities.
	SessionID  string `json:"session_id,omitempty"`
	Generation int    `json:"-"`
}

// Level is the coarse user level kept on the profile.
type Level string

const (
	LevelMaster Level = "master"
	LevelAdmin  Level = "admin"
	LevelUser   Level = "user"
)

// Levels lists every valid level, most privileged first.
func Levels() []Level {
	return []Level{LevelMaster, LevelAdmin, LevelUser}
}

// ParseLevel validates a level read from storage or a request body.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelMaster, LevelAdmin, LevelUser:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// Credentials are the email/password pair used by sign-up and sign-in.
type Credentials struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// Provider is the authentication collaborator consumed by the rest of the
// service.
type Provider interface {
	SignUp(ctx context.Context, creds Credentials) (*Identity, error)
	SignIn(ctx context.Context, creds Credentials) (*Identity, error)
	SignOut(ctx context.Context, identity *Identity) error
	// ResetPassword issues a reset token for email. Unknown emails return
	// an empty token and no error.
	ResetPassword(ctx context.Context, email string) (string, error)
	CurrentIdentity(ctx context.Context) *Identity
}
