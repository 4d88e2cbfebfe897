// Package config loads gatekeep settings from the environment and an optional
// .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider backends.
const (
	ProviderGoTrue = "gotrue"
	ProviderMemory = "memory"
)

// Config holds process configuration.
type Config struct {
	// HTTPAddr serves the edge gate, the auth API and probes.
	HTTPAddr string `mapstructure:"GATEKEEP_HTTP_ADDR"`
	// GRPCAddr serves the gRPC health service; empty disables it.
	GRPCAddr string `mapstructure:"GATEKEEP_GRPC_ADDR"`

	// Provider selects the identity backend: gotrue or memory.
	Provider    string `mapstructure:"GATEKEEP_PROVIDER"`
	ProviderURL string `mapstructure:"GATEKEEP_PROVIDER_URL"`
	ProviderKey string `mapstructure:"GATEKEEP_PROVIDER_KEY"`
	// JWTSecret signs access tokens minted by the memory provider.
	JWTSecret string `mapstructure:"GATEKEEP_JWT_SECRET"`

	// PGDSN enables the Postgres record store when set.
	PGDSN string `mapstructure:"GATEKEEP_PG_DSN"`
	// RedisAddr puts a Redis cache in front of record reads when set.
	RedisAddr  string        `mapstructure:"GATEKEEP_REDIS_ADDR"`
	ProfileTTL time.Duration `mapstructure:"GATEKEEP_PROFILE_TTL"`
	OrgTTL     time.Duration `mapstructure:"GATEKEEP_ORG_TTL"`

	// SiteURL is the public origin used in password reset links.
	SiteURL string `mapstructure:"GATEKEEP_SITE_URL"`
	// UpstreamURL is the front end proxied behind the edge gate.
	UpstreamURL  string `mapstructure:"GATEKEEP_UPSTREAM_URL"`
	CookieName   string `mapstructure:"GATEKEEP_COOKIE_NAME"`
	CookieSecure bool   `mapstructure:"GATEKEEP_COOKIE_SECURE"`

	RateBurst  int     `mapstructure:"GATEKEEP_RATE_BURST"`
	RatePerSec float64 `mapstructure:"GATEKEEP_RATE_PER_SEC"`

	// SessionFile is where authctl keeps its session.
	SessionFile string `mapstructure:"GATEKEEP_SESSION_FILE"`
}

var defaults = map[string]any{
	"GATEKEEP_HTTP_ADDR":     ":8080",
	"GATEKEEP_GRPC_ADDR":     ":9090",
	"GATEKEEP_PROVIDER":      ProviderGoTrue,
	"GATEKEEP_PROVIDER_URL":  "",
	"GATEKEEP_PROVIDER_KEY":  "",
	"GATEKEEP_JWT_SECRET":    "",
	"GATEKEEP_PG_DSN":        "",
	"GATEKEEP_REDIS_ADDR":    "",
	"GATEKEEP_PROFILE_TTL":   "5m",
	"GATEKEEP_ORG_TTL":       "10m",
	"GATEKEEP_SITE_URL":      "http://localhost:3000",
	"GATEKEEP_UPSTREAM_URL":  "",
	"GATEKEEP_COOKIE_NAME":   "gk-auth",
	"GATEKEEP_COOKIE_SECURE": true,
	"GATEKEEP_RATE_BURST":    20,
	"GATEKEEP_RATE_PER_SEC":  5,
	"GATEKEEP_SESSION_FILE":  "",
}

func missingConfig(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

// Load reads .env (if present), then the environment, then validates.
// Environment variables override .env.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path. A missing file is ignored.
func LoadFile(envFile string) (*Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !missingConfig(err) {
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
	}
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings. Without a provider endpoint and key
// every provider call would fail, so startup fails instead.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: GATEKEEP_HTTP_ADDR must be set")
	}
	switch c.Provider {
	case ProviderGoTrue:
		if c.ProviderURL == "" {
			return errors.New("config: GATEKEEP_PROVIDER_URL must be set")
		}
		if c.ProviderKey == "" {
			return errors.New("config: GATEKEEP_PROVIDER_KEY must be set")
		}
		if err := absoluteURL("GATEKEEP_PROVIDER_URL", c.ProviderURL); err != nil {
			return err
		}
	case ProviderMemory:
		if len(c.JWTSecret) < 16 {
			return errors.New("config: GATEKEEP_JWT_SECRET must be at least 16 characters for the memory provider")
		}
	default:
		return fmt.Errorf("config: unknown GATEKEEP_PROVIDER %q", c.Provider)
	}
	if c.SiteURL != "" {
		if err := absoluteURL("GATEKEEP_SITE_URL", c.SiteURL); err != nil {
			return err
		}
	}
	if c.UpstreamURL != "" {
		if err := absoluteURL("GATEKEEP_UPSTREAM_URL", c.UpstreamURL); err != nil {
			return err
		}
	}
	if c.CookieName == "" {
		return errors.New("config: GATEKEEP_COOKIE_NAME must be set")
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("config: GATEKEEP_RATE_BURST and GATEKEEP_RATE_PER_SEC must be positive")
	}
	if c.ProfileTTL < 0 || c.OrgTTL < 0 {
		return errors.New("config: cache TTLs must not be negative")
	}
	return nil
}

func absoluteURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: %s must be an absolute http(s) URL", key)
	}
	return nil
}
