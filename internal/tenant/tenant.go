// Package tenant holds tenants, their membership roster and the tenant
// administration view.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrSlugTaken      = errors.New("tenant slug already in use")
	ErrInvalidSlug    = errors.New("invalid tenant slug")
	ErrInvalidStatus  = errors.New("invalid tenant status")
	ErrMemberNotFound = errors.New("member not found")
	ErrAlreadyMember  = errors.New("user is already a member")
	ErrTenantFull     = errors.New("tenant has reached its user limit")
	ErrInvalidRole    = errors.New("invalid member role")
)

// Status is a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusTrial     Status = "trial"
)

// ParseStatus rejects anything but the known statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusSuspended, StatusTrial:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Tenant is a customer organization.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	Domain       *string   `json:"domain"`
	Status       Status    `json:"status"`
	Plan         string    `json:"plan"`
	MaxUsers     int       `json:"max_users"`
	CurrentUsers int       `json:"current_users"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewTenant is the input to Store.Create. Zero Plan and MaxUsers take the
// table defaults.
type NewTenant struct {
	Name     string  `json:"name"`
	Slug     string  `json:"slug"`
	Domain   *string `json:"domain"`
	Plan     string  `json:"plan"`
	MaxUsers int     `json:"max_users"`
}

// MemberRole is a user's role inside one tenant.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// ParseMemberRole rejects anything but owner, admin and member.
func ParseMemberRole(s string) (MemberRole, error) {
	switch r := MemberRole(s); r {
	case RoleOwner, RoleAdmin, RoleMember:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Member is one membership row.
type Member struct {
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	Role      MemberRole `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

var reservedSlugs = map[string]bool{
	"api": true, "app": true, "www": true, "admin": true, "master": true,
	"login": true, "dashboard": true, "auth": true, "static": true,
}

// ValidateSlug checks that a slug is a DNS label and not a reserved route.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: must be 3-63 lowercase alphanumeric characters or hyphens, cannot start/end with hyphen", ErrInvalidSlug)
	}
	if reservedSlugs[slug] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSlug, slug)
	}
	return nil
}
