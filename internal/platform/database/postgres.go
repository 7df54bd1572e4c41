package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is a type alias for pgxpool.Pool for use in other packages.
type Pool = pgxpool.Pool

// DefaultApplicationName tags crmgate sessions in pg_stat_activity.
const DefaultApplicationName = "crmgate"

// PoolConfig sizes the shared pool. Zero values keep the pgxpool defaults.
type PoolConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// ApplicationName is sent unless the URL already sets application_name.
	ApplicationName string
}

// ParsePoolConfig turns cfg into a pgxpool config without connecting.
func ParsePoolConfig(cfg PoolConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if n, ok := int32Of(cfg.MaxConns); ok {
		pc.MaxConns = n
	}
	if n, ok := int32Of(cfg.MinConns); ok {
		pc.MinConns = min(n, pc.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	name := cfg.ApplicationName
	if name == "" {
		name = DefaultApplicationName
	}
	if _, set := pc.ConnConfig.RuntimeParams["application_name"]; !set {
		pc.ConnConfig.RuntimeParams["application_name"] = name
	}
	return pc, nil
}

func int32Of(n int) (int32, bool) {
	if n <= 0 || n > math.MaxInt32 {
		return 0, false
	}
	return int32(n), true // #nosec G115 -- bounds checked above
}

// Connect opens the pool and pings it once.
func Connect(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	pc, err := ParsePoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
