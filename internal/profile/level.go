package profile

import (
	"context"
	"fmt"

	"github.com/crmgate/crmgate/internal/audit"
	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/platform/database"
)

// Granter writes role grants on a caller-supplied Querier.
type Granter interface {
	Grant(ctx context.Context, q database.Querier, userID, role string) error
	Revoke(ctx context.Context, q database.Querier, userID, role string) error
}

// LevelService changes a user's level. Role grants are the source of truth;
// the profile's user_level is rewritten in the same transaction.
type LevelService struct {
	db     database.DB
	store  *Store
	grants Granter
	broker *auth.Broker
	audit  audit.Logger
}

func NewLevelService(db database.DB, store *Store, grants Granter, broker *auth.Broker, auditLogger audit.Logger) *LevelService {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &LevelService{db: db, store: store, grants: grants, broker: broker, audit: auditLogger}
}

// SetLevel grants level to userID, revokes the other levels and updates
// the cached level and tenant.
func (s *LevelService) SetLevel(ctx context.Context, userID string, level auth.Level, tenantID *string) (*Profile, error) {
	var updated *Profile
	var previous auth.Level

	err := database.WithTx(ctx, s.db, func(ctx context.Context, q database.Querier) error {
		current, err := NewStore(q).Get(ctx, userID)
		if err != nil {
			return err
		}
		previous = current.Level

		if err := s.grants.Grant(ctx, q, userID, string(level)); err != nil {
			return err
		}
		for _, other := range auth.Levels() {
			if other == level {
				continue
			}
			if err := s.grants.Revoke(ctx, q, userID, string(other)); err != nil {
				return err
			}
		}

		updated, err = s.store.SetLevel(ctx, q, userID, level, tenantID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("changing level: %w", err)
	}

	s.audit.Log(ctx, audit.NewEvent(ctx, audit.ActionProfileLevelChanged, "profile", userID, map[string]any{
		audit.MetadataFromLevel: string(previous),
		audit.MetadataToLevel:   string(level),
	}))
	if s.broker != nil {
		s.broker.Publish(auth.SessionEvent{Type: auth.EventLevelChanged, UserID: userID, Level: level})
	}
	return updated, nil
}
