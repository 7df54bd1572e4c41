package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/crmgate/crmgate/internal/auth"
)

// Event represents a single auditable action.
type Event struct {
	TenantID     *uuid.UUID // nil for platform-wide actions
	UserID       *uuid.UUID // nil for system events
	Action       string
	ResourceType string // e.g. "profile", "tenant", "tenant_member"
	ResourceID   *uuid.UUID
	Metadata     map[string]any
	Source       string // "api", "system"
}

const (
	ActionAccessDenied        = "access.denied"
	ActionProfileCreated      = "profile.created"
	ActionProfileUpdated      = "profile.updated"
	ActionProfileLevelChanged = "profile.level_changed"
	ActionTenantCreated       = "tenant.created"
	ActionMemberAdded         = "member.added"
	ActionMemberUpdated       = "member.updated"
	ActionMemberRemoved       = "member.removed"
)

const (
	SourceAPI    = "api"
	SourceSystem = "system"
)

const (
	MetadataResource   = "resource"
	MetadataAction     = "action"
	MetadataRole       = "role"
	MetadataReason     = "reason"
	MetadataPath       = "path"
	MetadataFromLevel  = "from_level"
	MetadataToLevel    = "to_level"
	MetadataTargetUser = "target_user_id"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when audit is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }

// ActorIDFromContext extracts the authenticated user's UUID from the
// request context, returning nil if no identity is present or the
// user ID is not a valid UUID.
func ActorIDFromContext(ctx context.Context) *uuid.UUID {
	identity := auth.GetIdentity(ctx)
	if identity == nil {
		return nil
	}
	return parseOptional(identity.UserID)
}

// TenantIDFromContext returns the resolved session's tenant, if any.
func TenantIDFromContext(ctx context.Context) *uuid.UUID {
	s := auth.GetSession(ctx)
	if !s.Resolved {
		return nil
	}
	return parseOptional(s.TenantID)
}

// NewEvent builds an API event attributed to the request's actor and tenant.
func NewEvent(ctx context.Context, action, resourceType, resourceID string, metadata map[string]any) Event {
	return Event{
		TenantID:     TenantIDFromContext(ctx),
		UserID:       ActorIDFromContext(ctx),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   parseOptional(resourceID),
		Metadata:     metadata,
		Source:       SourceAPI,
	}
}

func parseOptional(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
