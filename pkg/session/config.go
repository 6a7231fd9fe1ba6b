// Package session wires the verification, replay, token, refresh, and
// enrollment components into the two device flows: enrollment and
// refresh, plus proof-bound authentication for protected calls.
package session

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds the runtime configuration for the session service. It is
// constructed explicitly in main and validated before serving traffic;
// nothing reads the process environment after startup.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// ExternalURL is the hub's public base URL, used as both issuer and
	// audience of access tokens and for htu matching behind proxies.
	ExternalURL string

	// SigningSecret signs access tokens. Minimum 32 bytes.
	SigningSecret []byte

	// DatabasePath is the SQLite database file path.
	DatabasePath string

	// ReplayBackend selects where proof jtis are recorded: "memory"
	// (single process, lost on restart), "sqlite" (persisted in the hub
	// database, survives restarts), or "redis" (shared across
	// replicas). Empty means redis when RedisAddr is set, memory
	// otherwise.
	ReplayBackend string

	// RedisAddr is the Redis address for the redis replay backend.
	RedisAddr string

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration

	// RotationGrace is how long a rotated refresh token tolerates one
	// duplicate presentation.
	RotationGrace time.Duration

	// Debug returns precise error codes to callers instead of generic
	// ones. Never enable in production; it turns error responses into a
	// token-state oracle.
	Debug bool
}

// DefaultConfig returns a Config with production defaults. The signing
// secret and external URL have no defaults and must be supplied.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8443",
		DatabasePath:    "",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		RotationGrace:   2 * time.Minute,
	}
}

// LoadFromEnv populates unset fields from FLEETAUTH_* environment
// variables. Call godotenv.Load first if .env support is wanted.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("FLEETAUTH_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FLEETAUTH_EXTERNAL_URL"); v != "" {
		c.ExternalURL = v
	}
	if v := os.Getenv("FLEETAUTH_SIGNING_SECRET"); v != "" {
		c.SigningSecret = []byte(v)
	}
	if v := os.Getenv("FLEETAUTH_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("FLEETAUTH_REPLAY_BACKEND"); v != "" {
		c.ReplayBackend = v
	}
	if v := os.Getenv("FLEETAUTH_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("FLEETAUTH_ROTATION_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FLEETAUTH_ROTATION_GRACE: %w", err)
		}
		c.RotationGrace = d
	}
	if v := os.Getenv("FLEETAUTH_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
	return nil
}

// Validate reports configuration errors. These are fatal at startup.
func (c *Config) Validate() error {
	if len(c.SigningSecret) < 32 {
		return fmt.Errorf("signing secret must be at least 32 bytes, got %d", len(c.SigningSecret))
	}
	if c.ExternalURL == "" {
		return errors.New("external URL must be configured")
	}
	u, err := url.Parse(c.ExternalURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("external URL %q must be an absolute http(s) URL", c.ExternalURL)
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("access token TTL must be positive")
	}
	if c.RefreshTokenTTL <= 0 {
		return errors.New("refresh token TTL must be positive")
	}
	if c.RotationGrace < 0 {
		return errors.New("rotation grace must not be negative")
	}
	switch c.ReplayBackend {
	case "", "memory", "sqlite":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("redis replay backend requires a redis address")
		}
	default:
		return fmt.Errorf("unknown replay backend %q (want memory, sqlite, or redis)", c.ReplayBackend)
	}
	return nil
}

// ReplayBackendKind resolves the effective replay backend, applying the
// redis-when-addressed default.
func (c *Config) ReplayBackendKind() string {
	if c.ReplayBackend != "" {
		return c.ReplayBackend
	}
	if c.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}
