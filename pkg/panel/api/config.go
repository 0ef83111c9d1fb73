package api

import (
	"os"
	"time"
)

// APIConfig contains panel HTTP server configuration.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// DuplicateWindow suppresses repeated single-locker opens for the
	// same (kiosk, locker) pair, absorbing staff double-clicks.
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`

	// AuthToken is the static bearer token. Empty disables auth.
	AuthToken string `mapstructure:"auth_token"`

	// MetricsEnabled exposes /metrics.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

func (c *APIConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3001
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Second
	}
	if c.AuthToken == "" {
		c.AuthToken = os.Getenv("LOCKERD_AUTH_TOKEN")
	}
}
