package api

import (
	"os"
	"time"
)

// EnvAuthToken supplies the static bearer token outside the config
// file, keeping it out of version control.
const EnvAuthToken = "LOCKERD_AUTH_TOKEN"

// APIConfig contains gateway HTTP server configuration.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// LongPollDeadline bounds GET /kiosks/{id}/commands.
	LongPollDeadline time.Duration `mapstructure:"long_poll_deadline"`

	// AuthToken is the static bearer token. Empty disables auth.
	AuthToken string `mapstructure:"auth_token"`

	// MetricsEnabled exposes /metrics.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

func (c *APIConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// Must exceed the long-poll deadline or parked polls are cut off.
		c.WriteTimeout = 35 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.LongPollDeadline <= 0 {
		c.LongPollDeadline = 25 * time.Second
	}
	if c.AuthToken == "" {
		c.AuthToken = os.Getenv(EnvAuthToken)
	}
}
