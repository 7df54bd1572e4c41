package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crmgate/crmgate/internal/audit"
	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/guard"
	"github.com/crmgate/crmgate/internal/platform/metrics"
	"github.com/crmgate/crmgate/internal/platform/middleware"
	"github.com/crmgate/crmgate/internal/profile"
	"github.com/crmgate/crmgate/internal/rbac"
	"github.com/crmgate/crmgate/internal/roles"
	"github.com/crmgate/crmgate/internal/tenant"
)

// Dependencies holds all injected dependencies for the server. Nil
// handlers leave their routes unregistered.
type Dependencies struct {
	Pool           *pgxpool.Pool
	Auth           *auth.TokenService
	Sessions       auth.SessionChecker
	AuthHandler    *auth.Handler
	EventsHandler  *auth.EventsHandler
	SignInLimiter  *middleware.RateLimiter
	Resolver       *profile.Resolver
	ProfileHandler *profile.Handler
	Checker        *rbac.Checker
	Verifier       rbac.RoleVerifier
	RolesHandler   *roles.Handler
	Guard          *guard.Guard
	GuardHandler   *guard.Handler
	TenantHandler  *tenant.Handler
	AuditHandler   *audit.Handler
	// AuditLogger records gate denials.
	AuditLogger        audit.Logger
	DevMode            bool
	DevIdentity        *auth.Identity
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	// Metrics exposes /metrics. The collectors must be registered with
	// metrics.Init.
	Metrics bool
}

type Server struct {
	httpServer *http.Server
	sessionMux *http.ServeMux
	pool       *pgxpool.Pool
	handler    http.Handler
}

func New(addr string, deps Dependencies) *Server {
	// Session routes see the caller's identity (if any) and resolved profile.
	sessionMux := http.NewServeMux()

	var sessionHandler http.Handler = sessionMux
	sessionHandler = middleware.TenantContext(sessionHandler)
	if deps.Resolver != nil {
		sessionHandler = profile.Middleware(deps.Resolver)(sessionHandler)
	}
	if deps.Auth != nil {
		var devIdentity *auth.Identity
		if deps.DevMode {
			devIdentity = deps.DevIdentity
		}
		sessionHandler = auth.MiddlewareWithSessions(deps.Auth, deps.Sessions, devIdentity)(sessionHandler)
	}

	topMux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		sessionMux: sessionMux,
		pool:       deps.Pool,
	}

	// Public routes
	topMux.HandleFunc("GET /healthz", s.handleHealth)
	topMux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.Metrics {
		topMux.Handle("GET /metrics", metrics.Handler())
	}
	if deps.EventsHandler != nil {
		// Authenticates with its own query token; the write deadline is
		// cleared per connection.
		topMux.HandleFunc("GET /api/v1/session/events", deps.EventsHandler.HandleEvents)
	}

	route := func(pattern string, h http.Handler) {
		sessionMux.Handle(pattern, metrics.InstrumentRoute(pattern, h))
	}
	fn := func(f http.HandlerFunc) http.Handler { return f }

	var gateOpts []rbac.MiddlewareOption
	if deps.AuditLogger != nil {
		gateOpts = append(gateOpts, rbac.WithAuditLogger(deps.AuditLogger))
	}
	masterOnly := func(h http.Handler) http.Handler {
		return rbac.RequireVerifiedRole(deps.Verifier, []string{roles.RoleMaster}, gateOpts...)(h)
	}

	if deps.AuthHandler != nil {
		var limit func(http.Handler) http.Handler
		if deps.SignInLimiter != nil {
			limit = deps.SignInLimiter.Middleware
		}
		authMux := http.NewServeMux()
		deps.AuthHandler.RegisterRoutes(authMux, limit)
		route("/auth/", authMux)
	}

	if deps.ProfileHandler != nil {
		route("GET /api/v1/profile", fn(deps.ProfileHandler.HandleGet))
		route("PATCH /api/v1/profile", auth.RequireIdentity(fn(deps.ProfileHandler.HandleUpdateSelf)))
		if deps.Verifier != nil {
			route("PUT /api/v1/profiles/{id}/level", masterOnly(fn(deps.ProfileHandler.HandleSetLevel)))
		}
	}

	if deps.RolesHandler != nil {
		route("GET /api/v1/roles/me", fn(deps.RolesHandler.HandleMe))
		route("GET /api/v1/roles/me/{role}", fn(deps.RolesHandler.HandleHasRole))
	}

	if deps.GuardHandler != nil {
		route("GET /api/v1/navigation", fn(deps.GuardHandler.HandleNavigation))
	}

	if deps.Checker != nil {
		route("GET /api/v1/capabilities", fn(rbac.NewHandler(deps.Checker).HandleCapabilities))
	}

	if deps.TenantHandler != nil {
		route("GET /api/v1/tenants/{slug}/view", fn(deps.TenantHandler.HandleView))
		// Tenant owners and admins are often plain users at the profile
		// level, so the handler verifies tenant admin or master itself.
		route("POST /api/v1/tenants/{slug}/members", fn(deps.TenantHandler.HandleAddMember))
		route("PATCH /api/v1/tenants/{slug}/members/{userID}", fn(deps.TenantHandler.HandleUpdateMember))
		route("DELETE /api/v1/tenants/{slug}/members/{userID}", fn(deps.TenantHandler.HandleRemoveMember))
		if deps.Verifier != nil {
			route("POST /api/v1/tenants", masterOnly(fn(deps.TenantHandler.HandleCreate)))
			route("GET /api/v1/tenants", masterOnly(fn(deps.TenantHandler.HandleList)))
		}
	}

	if deps.AuditHandler != nil && deps.Verifier != nil {
		route("GET /api/v1/audit/events", masterOnly(fn(deps.AuditHandler.HandleListEvents)))
	}

	// Server-rendered panels share the navigation rules.
	if deps.Guard != nil {
		master, admin := auth.LevelMaster, auth.LevelAdmin
		panel := func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"panel": r.URL.Path})
		}
		route("GET /master", guard.Middleware(deps.Guard, guard.Requirement{Level: &master})(fn(panel)))
		route("GET /admin", guard.Middleware(deps.Guard, guard.Requirement{Level: &admin})(fn(panel)))
		route("GET /dashboard", guard.Middleware(deps.Guard, guard.Requirement{})(fn(panel)))
	}

	topMux.Handle("/", sessionHandler)

	var handler http.Handler = topMux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SessionMux returns the mux behind the auth and profile middleware.
func (s *Server) SessionMux() *http.ServeMux {
	return s.sessionMux
}

func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database not connected",
		})
		return
	}

	if err := s.pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
