package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Auth     AuthConfig     `koanf:"auth"`
	Audit    AuditConfig    `koanf:"audit"`
	CORS     CORSConfig     `koanf:"cors"`
}

type AuthConfig struct {
	DevMode bool         `koanf:"devmode"`
	JWT     JWTConfig    `koanf:"jwt"`
	SignIn  SignInConfig `koanf:"signin"`
	// ResetTTLMinutes bounds how long a password reset token stays valid.
	ResetTTLMinutes int `koanf:"reset_ttl_minutes"`
}

type JWTConfig struct {
	SigningKey         string `koanf:"signingkey"`
	Issuer             string `koanf:"issuer"`
	ExpiryHours        int    `koanf:"expiryhours"`
	RefreshExpiryHours int    `koanf:"refreshexpiryhours"`
}

// SignInConfig is the per-client-IP token bucket applied to sign-in attempts.
type SignInConfig struct {
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MigrationsPath string `koanf:"migrations_path"`
	MaxConns       int    `koanf:"max_conns"`
	MinConns       int    `koanf:"min_conns"`

	// Pool recycling, in minutes. Zero keeps the pgxpool defaults.
	ConnTTLMinutes int `koanf:"conn_ttl_minutes"`
	IdleTTLMinutes int `koanf:"idle_ttl_minutes"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuditConfig struct {
	BufferSize    int `koanf:"buffer_size"`
	BatchSize     int `koanf:"batch_size"`
	FlushInterval int `koanf:"flush_interval_ms"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                 8080,
		"server.host":                 "0.0.0.0",
		"database.url":                "",
		"database.max_conns":          25,
		"database.min_conns":          2,
		"database.conn_ttl_minutes":   60,
		"database.idle_ttl_minutes":   15,
		"database.migrations_path":    "migrations",
		"log.level":                   "info",
		"log.format":                  "json",
		"auth.devmode":                false,
		"auth.jwt.signingkey":         "",
		"auth.jwt.issuer":             "crmgate",
		"auth.jwt.expiryhours":        24,
		"auth.jwt.refreshexpiryhours": 168,
		"auth.signin.rate_per_second": 1.0,
		"auth.signin.burst":           5,
		"auth.reset_ttl_minutes":      60,
		"audit.buffer_size":           4096,
		"audit.batch_size":            100,
		"audit.flush_interval_ms":     500,
		"cors.allowed_origins":        []string{},
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			continue
		}
	}

	// CRMGATE_AUTH_SIGNIN_RATE_PER_SECOND -> auth.signin.rate_per_second
	known := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	_ = k.Load(env.ProviderWithValue("CRMGATE_", ".", func(name, value string) (string, any) {
		flat := strings.ToLower(strings.TrimPrefix(name, "CRMGATE_"))
		key, ok := known[flat]
		if !ok {
			key = strings.ReplaceAll(flat, "_", ".")
		}
		if key == "cors.allowed_origins" {
			return key, splitList(value)
		}
		return key, value
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
