package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crmgate/crmgate/internal/audit"
	"github.com/crmgate/crmgate/internal/auth"
	"github.com/crmgate/crmgate/internal/guard"
	"github.com/crmgate/crmgate/internal/platform/config"
	"github.com/crmgate/crmgate/internal/platform/database"
	"github.com/crmgate/crmgate/internal/platform/metrics"
	"github.com/crmgate/crmgate/internal/platform/middleware"
	"github.com/crmgate/crmgate/internal/platform/server"
	"github.com/crmgate/crmgate/internal/platform/telemetry"
	"github.com/crmgate/crmgate/internal/profile"
	"github.com/crmgate/crmgate/internal/rbac"
	"github.com/crmgate/crmgate/internal/roles"
	"github.com/crmgate/crmgate/internal/tenant"
)

// devUserID is the identity "Bearer dev" maps to in dev mode.
const devUserID = "00000000-0000-4000-8000-0000000000de"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)
	metrics.Init()

	slog.Info("crmgate starting", "port", cfg.Server.Port)

	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if len(cfg.Auth.JWT.SigningKey) < 32 {
		return errors.New("auth.jwt.signingkey must be at least 32 bytes")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	migrationsURL := fmt.Sprintf("file://%s", cfg.Database.MigrationsPath)
	if err := database.RunMigrations(cfg.Database.URL, migrationsURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations complete")

	pool, err := database.Connect(ctx, database.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(cfg.Database.ConnTTLMinutes) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.Database.IdleTTLMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	// Audit
	auditLogger := audit.NewAsyncLogger(pool, audit.NewStore(), audit.LoggerConfig{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: time.Duration(cfg.Audit.FlushInterval) * time.Millisecond,
	}, logger)
	defer auditLogger.Close()

	// Authentication
	tokenSvc := auth.NewTokenService(
		cfg.Auth.JWT.SigningKey,
		cfg.Auth.JWT.Issuer,
		cfg.Auth.JWT.ExpiryHours,
		cfg.Auth.JWT.RefreshExpiryHours,
	)
	broker := auth.NewBroker()
	sessions := auth.NewRefreshTokenStore(pool)
	authHandler := auth.NewHandler(auth.HandlerConfig{
		Accounts:         auth.NewAccountStore(pool, time.Duration(cfg.Auth.ResetTTLMinutes)*time.Minute),
		TokenSvc:         tokenSvc,
		Broker:           broker,
		Sessions:         sessions,
		ExposeResetToken: cfg.Auth.DevMode,
	})
	signInLimiter := middleware.NewRateLimiter(cfg.Auth.SignIn.RatePerSecond, cfg.Auth.SignIn.Burst)

	// Roles and permissions
	verifier := roles.NewVerifier(roles.NewPGFunctions(pool))
	checker := rbac.NewChecker(nil)

	// Profiles
	profileStore := profile.NewStore(pool)
	resolver := profile.NewResolver(profileStore, auditLogger)
	levels := profile.NewLevelService(pool, profileStore, roles.NewStore(), broker, auditLogger)

	// Tenants
	tenantStore := tenant.NewStore(pool)
	memberStore := tenant.NewMemberStore(pool)
	view := tenant.NewView(tenantStore, memberStore, profileStore)

	g := guard.New(checker)

	var devIdentity *auth.Identity
	if cfg.Auth.DevMode {
		slog.Warn("running in dev mode: 'Bearer dev' is accepted and reset tokens are returned in responses")
		devIdentity = &auth.Identity{UserID: devUserID, Email: "dev@crmgate.local", DisplayName: "Dev", TokenType: "access"}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Dependencies{
		Pool:               pool,
		Auth:               tokenSvc,
		Sessions:           sessions,
		AuthHandler:        authHandler,
		EventsHandler:      auth.NewEventsHandler(tokenSvc, broker, cfg.CORS.AllowedOrigins).WithSessions(sessions),
		SignInLimiter:      signInLimiter,
		Resolver:           resolver,
		ProfileHandler:     profile.NewHandler(resolver, profileStore, levels, checker, auditLogger),
		Checker:            checker,
		Verifier:           verifier,
		RolesHandler:       roles.NewHandler(verifier),
		Guard:              g,
		GuardHandler:       guard.NewHandler(g, guard.NewRouteTable(guard.Routes())),
		TenantHandler:      tenant.NewHandler(tenantStore, memberStore, view, verifier, auditLogger),
		AuditHandler:       audit.NewHandler(pool, audit.NewStore()),
		AuditLogger:        auditLogger,
		DevMode:            cfg.Auth.DevMode,
		DevIdentity:        devIdentity,
		Logger:             logger,
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:            true,
	})

	slog.Info("server ready", "addr", addr, "dev_mode", cfg.Auth.DevMode)
	// Deferred closes run after shutdown: the audit logger flushes before
	// the pool closes.
	return srv.Start(ctx)
}
