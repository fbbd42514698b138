package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ServerPort  int    `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`

	// Empty means revocations are held in process memory.
	RedisURL string `env:"REDIS_URL"`

	JWT   JWTConfig
	OAuth OAuthConfig

	CORSOrigins   []string `env:"CORS_ORIGINS" envDefault:"http://localhost:5173,http://localhost:3000" envSeparator:","`
	AuthRateLimit int      `env:"AUTH_RATE_LIMIT" envDefault:"20"`

	// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// JWTConfig configures the token codec.
type JWTConfig struct {
	SecretKey                string `env:"JWT_SECRET_KEY"`
	Algorithm                string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	Issuer                   string `env:"JWT_ISSUER" envDefault:"kaleo-core"`
	AccessTokenExpireMinutes int    `env:"ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"15"`
	RefreshTokenExpireDays   int    `env:"REFRESH_TOKEN_EXPIRE_DAYS" envDefault:"7"`
}

// OAuthConfig holds the audiences expected on provider ID tokens.
type OAuthConfig struct {
	GoogleClientID    string `env:"GOOGLE_CLIENT_ID"`
	MicrosoftClientID string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftTenant   string `env:"MICROSOFT_TENANT" envDefault:"common"`
}

// AccessTTL is the access token lifetime.
func (c JWTConfig) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// RefreshTTL is the refresh token lifetime.
func (c JWTConfig) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenExpireDays) * 24 * time.Hour
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)
	cfg.TrustedProxies = trimAll(cfg.TrustedProxies)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid SERVER_PORT: %d", c.ServerPort))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.DBMaxOpenConns < 0 || c.DBMaxIdleConns < 0 {
		errs = append(errs, errors.New("DB connection limits must not be negative"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("JWT_SECRET_KEY is required"))
	}
	switch c.JWT.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("unsupported JWT_ALGORITHM: %q", c.JWT.Algorithm))
	}
	if c.JWT.AccessTokenExpireMinutes <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_EXPIRE_MINUTES must be positive"))
	}
	if c.JWT.RefreshTokenExpireDays <= 0 {
		errs = append(errs, errors.New("REFRESH_TOKEN_EXPIRE_DAYS must be positive"))
	}
	if c.AuthRateLimit < 0 {
		errs = append(errs, errors.New("AUTH_RATE_LIMIT must not be negative"))
	}
	return errors.Join(errs...)
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
