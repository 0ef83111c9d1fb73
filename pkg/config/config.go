// Package config loads the installation's JSON configuration file and
// resolves it against environment overrides and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/executor"
	"github.com/openkiosk/lockerd/pkg/heartbeat"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/modbus"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/rfid"
	"github.com/openkiosk/lockerd/pkg/store"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "LOCKERD_CONFIG"

// Config is the root of the installation configuration.
//
// Sources in order of precedence: environment variables (LOCKERD_*),
// the JSON configuration file, built-in defaults.
type Config struct {
	Services ServicesConfig `mapstructure:"services"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	Hardware HardwareConfig `mapstructure:"hardware"`
	Lockers  LockersConfig  `mapstructure:"lockers"`
	Features FeaturesConfig `mapstructure:"features"`
	Zones    []ZoneConfig   `mapstructure:"zones"`
	Queue    QueueConfig    `mapstructure:"queue"`
	RFID     RFIDConfig     `mapstructure:"rfid"`
	Kiosk    KioskConfig    `mapstructure:"kiosk"`

	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  store.Config    `mapstructure:"database"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP servers and
	// background loops.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ServicesConfig holds the listen ports of the three HTTP surfaces.
type ServicesConfig struct {
	Gateway ServiceConfig `mapstructure:"gateway"`
	Panel   ServiceConfig `mapstructure:"panel"`
	Kiosk   ServiceConfig `mapstructure:"kiosk"`
}

// ServiceConfig is one HTTP listener.
type ServiceConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"gt=0,lte=65535"`
}

// Addr returns the listen address.
func (s ServiceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ModbusConfig configures the RS-485 bus.
type ModbusConfig struct {
	Port             string `mapstructure:"port"`
	Baudrate         int    `mapstructure:"baudrate"`
	Parity           string `mapstructure:"parity" validate:"omitempty,oneof=none even odd"`
	TimeoutMS        int    `mapstructure:"timeout_ms"`
	PulseDurationMS  int    `mapstructure:"pulse_duration_ms"`
	UseMultipleCoils bool   `mapstructure:"use_multiple_coils"`
	VerifyWrites     bool   `mapstructure:"verify_writes"`
	MaxRetries       int    `mapstructure:"max_retries"`
}

// SerialConfig maps to the transport configuration.
func (m ModbusConfig) SerialConfig() modbus.SerialConfig {
	return modbus.SerialConfig{
		Device:      m.Port,
		Baud:        m.Baudrate,
		Parity:      m.Parity,
		ReadTimeout: time.Duration(m.TimeoutMS) * time.Millisecond,
	}
}

// PulseConfig maps to the actuator configuration.
func (m ModbusConfig) PulseConfig() modbus.PulseConfig {
	return modbus.PulseConfig{
		Duration:        time.Duration(m.PulseDurationMS) * time.Millisecond,
		PreferMultiCoil: m.UseMultipleCoils,
		VerifyWrites:    m.VerifyWrites,
	}
}

// HardwareConfig lists the relay cards on the bus.
type HardwareConfig struct {
	RelayCards []RelayCardConfig `mapstructure:"relay_cards" validate:"dive"`
}

// RelayCardConfig is one 16-channel Modbus slave.
type RelayCardConfig struct {
	SlaveAddress int  `mapstructure:"slave_address" validate:"gt=0,lt=248"`
	Channels     int  `mapstructure:"channels"`
	Enabled      bool `mapstructure:"enabled"`
}

// CardAddresses returns the enabled slave addresses.
func (h HardwareConfig) CardAddresses() []int {
	addrs := make([]int, 0, len(h.RelayCards))
	for _, c := range h.RelayCards {
		if c.Enabled {
			addrs = append(addrs, c.SlaveAddress)
		}
	}
	return addrs
}

// LockersConfig holds locker pool parameters.
type LockersConfig struct {
	TotalCount         int `mapstructure:"total_count" validate:"gte=0"`
	AutoReleaseHours   int `mapstructure:"auto_release_hours" validate:"gte=0"`
	ReservationSeconds int `mapstructure:"reservation_seconds" validate:"gte=0"`
}

// ManagerConfig maps to the state manager configuration.
func (l LockersConfig) ManagerConfig() locker.Config {
	return locker.Config{
		ReservationWindow: time.Duration(l.ReservationSeconds) * time.Second,
		AutoRelease:       time.Duration(l.AutoReleaseHours) * time.Hour,
	}
}

// FeaturesConfig holds feature toggles.
type FeaturesConfig struct {
	ZonesEnabled bool `mapstructure:"zones_enabled"`
}

// QueueConfig holds command queue parameters.
type QueueConfig struct {
	MaxRetries         int              `mapstructure:"max_retries" validate:"gte=0"`
	BackoffMS          int              `mapstructure:"backoff_ms" validate:"gte=0"`
	StaleThresholdMS   int              `mapstructure:"stale_threshold_ms" validate:"gte=0"`
	BulkInterval       BulkIntervalView `mapstructure:"bulk_interval"`
	PerKioskDepthLimit int              `mapstructure:"per_kiosk_depth_limit" validate:"gte=0"`
}

// BulkIntervalView clamps the pause between bulk-open lockers.
type BulkIntervalView struct {
	MinMS int `mapstructure:"min_ms" validate:"gte=0"`
	MaxMS int `mapstructure:"max_ms" validate:"gte=0"`
}

// QueueConfig maps to the queue configuration.
func (q QueueConfig) Config() queue.Config {
	return queue.Config{
		MaxRetries:     q.MaxRetries,
		BackoffBase:    time.Duration(q.BackoffMS) * time.Millisecond,
		StaleThreshold: time.Duration(q.StaleThresholdMS) * time.Millisecond,
		DepthLimit:     q.PerKioskDepthLimit,
	}
}

// RFIDConfig configures the card reader.
type RFIDConfig struct {
	Device     string `mapstructure:"device"`
	Baud       int    `mapstructure:"baud"`
	DebounceMS int    `mapstructure:"debounce_ms" validate:"gte=0"`
}

// IntakeConfig maps to the scan intake configuration.
func (r RFIDConfig) IntakeConfig(kioskID string) rfid.Config {
	return rfid.Config{
		KioskID:        kioskID,
		DebounceWindow: time.Duration(r.DebounceMS) * time.Millisecond,
	}
}

// KioskConfig identifies this kiosk and how it reaches the gateway.
type KioskConfig struct {
	ID         string `mapstructure:"id"`
	Zone       string `mapstructure:"zone"`
	GatewayURL string `mapstructure:"gateway_url"`
}

// ExecutorConfig maps to the command executor configuration.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		KioskID:     c.Kiosk.ID,
		MinInterval: time.Duration(c.Queue.BulkInterval.MinMS) * time.Millisecond,
		MaxInterval: time.Duration(c.Queue.BulkInterval.MaxMS) * time.Millisecond,
	}
}

// HeartbeatConfig holds heartbeat cadence parameters.
type HeartbeatConfig struct {
	IntervalMS         int `mapstructure:"interval_ms" validate:"gte=0"`
	RecoveryIntervalMS int `mapstructure:"recovery_interval_ms" validate:"gte=0"`
}

// Config maps to the heartbeat component configuration.
func (h HeartbeatConfig) Config() heartbeat.Config {
	return heartbeat.Config{
		Interval:         time.Duration(h.IntervalMS) * time.Millisecond,
		RecoveryInterval: time.Duration(h.RecoveryIntervalMS) * time.Millisecond,
	}
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output"`
}

// LoggerConfig maps to the logger configuration.
func (l LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  strings.ToUpper(l.Level),
		Format: l.Format,
		Output: l.Output,
	}
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads the configuration file, applies environment overrides,
// fills defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := NormalizeZones(cfg.Zones); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper wires environment overrides. LOCKERD_DATABASE_PATH and
// friends follow from the key replacer; the short legacy names used by
// the deployment scripts are bound explicitly.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("LOCKERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("database.path", "LOCKERD_DB_PATH", "LOCKERD_DATABASE_PATH")
	v.BindEnv("kiosk.id", "LOCKERD_KIOSK_ID")

	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("/etc/lockerd")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("json")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Validate checks the resolved configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Features.ZonesEnabled && len(cfg.Zones) == 0 {
		return fmt.Errorf("zones enabled but no zones configured")
	}
	return nil
}
