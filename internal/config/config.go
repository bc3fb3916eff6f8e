package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	OIDC     OIDCConfig
	Cache    CacheConfig
	Log      LogConfig
	Auth     AuthConfig
}

// OIDCConfig holds ID token verification configuration. Login flows live
// with the identity provider; this service only verifies bearer tokens.
type OIDCConfig struct {
	Enabled        bool   `env:"OIDC_ENABLED" envDefault:"false"`
	IssuerURL      string `env:"OIDC_ISSUER_URL"`
	ClientID       string `env:"OIDC_CLIENT_ID"`
	AllowedDomains string `env:"OIDC_ALLOWED_DOMAINS"`
}

// GetAllowedDomains returns the allowed email domains as a slice.
func (c *OIDCConfig) GetAllowedDomains() []string {
	if c.AllowedDomains == "" {
		return nil
	}
	domains := strings.Split(c.AllowedDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	return domains
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/fellowship.db"`
}

// CacheConfig holds synchronization cache timing.
type CacheConfig struct {
	StaleTime time.Duration `env:"CACHE_STALE_TIME" envDefault:"30s"`
	GCTime    time.Duration `env:"CACHE_GC_TIME" envDefault:"5m"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// AuthConfig holds API key configuration.
type AuthConfig struct {
	BootstrapAPIKey string `env:"BOOTSTRAP_API_KEY"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.OIDC); err != nil {
		return nil, fmt.Errorf("parsing oidc config: %w", err)
	}
	if err := env.Parse(&cfg.Cache); err != nil {
		return nil, fmt.Errorf("parsing cache config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}
	if err := env.Parse(&cfg.Auth); err != nil {
		return nil, fmt.Errorf("parsing auth config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("DB_DRIVER must be one of sqlite3, postgres, pgx (got %q)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	if c.Cache.StaleTime <= 0 {
		return fmt.Errorf("CACHE_STALE_TIME must be positive")
	}
	if c.Cache.GCTime < c.Cache.StaleTime {
		return fmt.Errorf("CACHE_GC_TIME must not be shorter than CACHE_STALE_TIME")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console (got %q)", c.Log.Format)
	}

	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC_ISSUER_URL is required when OIDC is enabled")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC is enabled")
		}
	}

	return nil
}
