// Package config loads daemon configuration from the process environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int
	// DatabaseURL names the SQLite database (a path or file: DSN).
	DatabaseURL string
	// SecretKey is the shared secret guarding admin routes. Required.
	SecretKey string
	// RoutePrefix is the path prefix for the public API (default /api/v1).
	RoutePrefix string
	// HTTPServer selects the HTTP server implementation. Only "net/http"
	// (and its alias "default") is supported; the knob exists for
	// deployment-manifest compatibility.
	HTTPServer string
	// SocketEnabled selects the real upstream transport. When false the
	// daemon runs against the in-process stub (development/offline mode).
	SocketEnabled bool
	// LockTTL is the session lease time-to-live.
	LockTTL time.Duration
	// LogLevel configures the global logger.
	LogLevel string
	// CORSOrigins restricts SSE/browser origins; empty reflects any origin.
	CORSOrigins []string
	// RateLimitRPS caps requests per client IP per second (0 disables).
	RateLimitRPS int
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          ParseInt("PORT", 3000),
		DatabaseURL:   ParseString("DATABASE_URL", "wagate.db"),
		SecretKey:     ParseString("SECRET_KEY", ""),
		RoutePrefix:   ParseString("ROUTE_PREFIX", "/api/v1"),
		HTTPServer:    ParseString("HTTP_SERVER", "net/http"),
		SocketEnabled: ParseBool("SOCKET_ENABLED", true),
		LockTTL:       ParseDuration("LOCK_TTL", 5*time.Minute),
		LogLevel:      ParseString("LOG_LEVEL", "info"),
		RateLimitRPS:  ParseInt("RATE_LIMIT_RPS", 0),
	}

	if origins := ParseString("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that must hold before the daemon starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("SECRET_KEY must be set and non-empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be > 0, got %v", c.LockTTL)
	}
	switch c.HTTPServer {
	case "", "default", "net/http":
	default:
		return fmt.Errorf("unsupported HTTP_SERVER %q", c.HTTPServer)
	}
	if !strings.HasPrefix(c.RoutePrefix, "/") {
		return fmt.Errorf("ROUTE_PREFIX must start with '/', got %q", c.RoutePrefix)
	}
	return nil
}
