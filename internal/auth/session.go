package auth

import "context"

type sessionContextKey struct{}

// Session is the immutable per-request session state. Middleware derives a
// new value at each stage instead of mutating a shared one.
type Session struct {
	Identity *Identity
	// Level and TenantID mirror the profile's cached fields. They are set
	// only once the profile has been resolved and are a UI convenience:
	// security gates use the server-verified role functions instead.
	Level    Level
	TenantID string
	Resolved bool
}

// Authenticated reports whether the session carries an identity.
func (s Session) Authenticated() bool {
	return s.Identity != nil
}

// WithProfile returns a copy of s marked as resolved with the given level
// and tenant.
func (s Session) WithProfile(level Level, tenantID string) Session {
	s.Level = level
	s.TenantID = tenantID
	s.Resolved = true
	return s
}

// WithSession stores the session in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// GetSession returns the request session. A zero Session means the request
// is unauthenticated.
func GetSession(ctx context.Context) Session {
	s, _ := ctx.Value(sessionContextKey{}).(Session)
	return s
}

// WithIdentity starts a fresh, unresolved session for identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return WithSession(ctx, Session{Identity: identity})
}

// GetIdentity retrieves the authenticated identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	return GetSession(ctx).Identity
}
