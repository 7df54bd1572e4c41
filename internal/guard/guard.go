// Package guard decides, per navigation, whether a CRM page renders,
// redirects, shows a loading state or is denied. Decisions are computed
// from scratch on every call.
package guard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/rbac"
)

// AuthState is the authentication state of a session.
type AuthState int

const (
	Loading AuthState = iota
	Unauthenticated
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("AuthState(%d)", int(s))
	}
}

func (s AuthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// State is the session state the guard evaluates.
type State struct {
	Auth  AuthState  `json:"auth"`
	Level auth.Level `json:"level,omitempty"`
}

// Requirement is what a route needs. Nil fields impose nothing beyond
// authentication.
type Requirement struct {
	Level      *auth.Level `json:"level,omitempty"`
	Permission *rbac.Grant `json:"permission,omitempty"`
}

// Kind classifies a Decision.
type Kind string

const (
	ShowLoading Kind = "show_loading"
	Redirect    Kind = "redirect"
	Denied      Kind = "denied"
	Render      Kind = "render"
)

// Decision is the outcome of one navigation.
type Decision struct {
	Kind     Kind   `json:"kind"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message,omitempty"`
}

const (
	LoginRoute     = "/login"
	MasterRoute    = "/master"
	AdminRoute     = "/admin"
	DashboardRoute = "/dashboard"

	DeniedMessage = "access denied"
)

// LandingRoute is the home page for a level.
func LandingRoute(level auth.Level) string {
	switch level {
	case auth.LevelMaster:
		return MasterRoute
	case auth.LevelAdmin:
		return AdminRoute
	default:
		return DashboardRoute
	}
}

// Guard evaluates navigations against the permission policy.
type Guard struct {
	checker *rbac.Checker
}

func New(checker *rbac.Checker) *Guard {
	if checker == nil {
		checker = rbac.NewChecker(nil)
	}
	return &Guard{checker: checker}
}

// Evaluate applies, in order: loading, authentication, required level,
// required permission.
func (g *Guard) Evaluate(state State, req Requirement) Decision {
	switch state.Auth {
	case Loading:
		return Decision{Kind: ShowLoading}
	case Unauthenticated:
		return Decision{Kind: Redirect, Location: LoginRoute}
	}

	if req.Level != nil && *req.Level != state.Level {
		return Decision{Kind: Redirect, Location: LandingRoute(state.Level)}
	}

	if req.Permission != nil &&
		!g.checker.Policy().HasPermission(string(state.Level), req.Permission.Resource, req.Permission.Action) {
		return Decision{Kind: Denied, Message: DeniedMessage}
	}

	return Decision{Kind: Render}
}

// StateFromContext derives the guard state from the request session. An
// identity whose profile could not be resolved is still loading.
func StateFromContext(ctx context.Context) State {
	s := auth.GetSession(ctx)
	switch {
	case !s.Authenticated():
		return State{Auth: Unauthenticated}
	case !s.Resolved:
		return State{Auth: Loading}
	default:
		return State{Auth: Authenticated, Level: s.Level}
	}
}
