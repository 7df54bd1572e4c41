package profile

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/crmgate/crmgate/internal/audit"
	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/metrics"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
)

// Backend is the storage the resolver needs.
type Backend interface {
	Get(ctx context.Context, id string) (*Profile, error)
	Create(ctx context.Context, np NewProfile) (*Profile, error)
}

// Resolver returns the caller's profile, creating it on first access.
// Concurrent first accesses in this process share one lookup; across
// processes the insert is idempotent.
type Resolver struct {
	backend Backend
	audit   audit.Logger
	group   singleflight.Group
}

func NewResolver(backend Backend, auditLogger audit.Logger) *Resolver {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Resolver{backend: backend, audit: auditLogger}
}

// Resolve fetches or creates the profile for the session identity.
func (r *Resolver) Resolve(ctx context.Context, session auth.Session) (*Profile, error) {
	if !session.Authenticated() || session.Identity.UserID == "" {
		return nil, auth.ErrUnauthorized
	}
	identity := session.Identity

	v, err, _ := r.group.Do(identity.UserID, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), identity)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*Profile), nil
}

func (r *Resolver) resolve(ctx context.Context, identity *auth.Identity) (*Profile, error) {
	p, err := r.backend.Get(ctx, identity.UserID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	p, err = r.backend.Create(ctx, NewProfile{
		ID:    identity.UserID,
		Name:  DeriveName(identity),
		Email: identity.Email,
	})
	switch {
	case err == nil:
		metrics.ProfilesCreated.Inc()
		telemetry.FromContext(ctx).Info("profile created", "profile_id", p.ID)
		r.audit.Log(ctx, audit.NewEvent(ctx, audit.ActionProfileCreated, "profile", p.ID, nil))
		return p, nil
	case errors.Is(err, ErrConflict):
		// Another request created it first.
		p, err = r.backend.Get(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("refetching profile: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("creating profile: %w", err)
	}
}
