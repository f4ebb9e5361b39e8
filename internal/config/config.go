package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	AuthMode        string        `mapstructure:"AUTH_MODE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	SessionTTL      time.Duration `mapstructure:"SESSION_TTL"`
	DefinitionsDir  string        `mapstructure:"DEFINITIONS_DIR"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL     string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant   string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	TLSEnabled      bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile     string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile      string        `mapstructure:"TLS_KEY_FILE"`
}

var defaults = map[string]any{
	"PORT":             "8000",
	"ENV":              "development",
	"LOG_LEVEL":        "info",
	"AUTH_MODE":        "",
	"DB_MAX_CONNS":     20,
	"DB_MIN_CONNS":     2,
	"SESSION_TTL":      "2h",
	"DEFAULT_TENANT":   "default",
	"CORS_ORIGINS":     "http://localhost:3000",
	"RATE_LIMIT_RPS":   50,
	"RATE_LIMIT_BURST": 100,
	"REQUEST_TIMEOUT":  "30s",
	"SHUTDOWN_TIMEOUT": "15s",
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "SESSION_TTL", "DEFINITIONS_DIR", "AUTH_ISSUER", "AUTH_JWKS_URL",
	"AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "SHUTDOWN_TIMEOUT", "TLS_ENABLED", "TLS_CERT_FILE",
	"TLS_KEY_FILE",
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode is AUTH_MODE when set, otherwise development mode in a
// development environment and JWT everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks settings needed by every command.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case AuthModeJWT:
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_MODE is %q", mode)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must not be used in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS_ENABLED is true")
	}
	return nil
}

// RequireDatabase is checked by commands that talk to PostgreSQL.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Warnings lists settings that are valid but unsafe outside development.
func (c *Config) Warnings() []string {
	var out []string
	if c.ResolvedAuthMode() == AuthModeDevelopment {
		out = append(out, "development auth is active: unauthenticated requests get admin access")
	}
	if c.RedisURL == "" {
		out = append(out, "REDIS_URL is not set: in-progress assessments are not cached")
	}
	if c.DefinitionsDir == "" {
		out = append(out, "DEFINITIONS_DIR is not set: using built-in assessment definitions")
	}
	return out
}
