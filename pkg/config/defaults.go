package config

import "time"

// Default listen ports of the three services.
const (
	DefaultGatewayPort = 3000
	DefaultPanelPort   = 3001
	DefaultKioskPort   = 3002
)

// ApplyDefaults fills any unset configuration values. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyServiceDefaults(&cfg.Services.Gateway, DefaultGatewayPort)
	applyServiceDefaults(&cfg.Services.Panel, DefaultPanelPort)
	applyServiceDefaults(&cfg.Services.Kiosk, DefaultKioskPort)
	applyModbusDefaults(&cfg.Modbus)
	applyLockerDefaults(&cfg.Lockers)
	applyQueueDefaults(&cfg.Queue)
	applyRFIDDefaults(&cfg.RFID)
	applyHeartbeatDefaults(&cfg.Heartbeat)
	applyLoggingDefaults(&cfg.Logging)

	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/lockerd/lockerd.db"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Kiosk.GatewayURL == "" {
		cfg.Kiosk.GatewayURL = "http://localhost:3000"
	}
}

func applyServiceDefaults(cfg *ServiceConfig, port int) {
	if cfg.Port == 0 {
		cfg.Port = port
	}
}

func applyModbusDefaults(cfg *ModbusConfig) {
	if cfg.Baudrate == 0 {
		cfg.Baudrate = 9600
	}
	if cfg.Parity == "" {
		cfg.Parity = "none"
	}
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = 1000
	}
	if cfg.PulseDurationMS == 0 {
		cfg.PulseDurationMS = 400
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
}

func applyLockerDefaults(cfg *LockersConfig) {
	if cfg.ReservationSeconds == 0 {
		cfg.ReservationSeconds = 90
	}
}

func applyQueueDefaults(cfg *QueueConfig) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffMS == 0 {
		cfg.BackoffMS = 500
	}
	if cfg.StaleThresholdMS == 0 {
		cfg.StaleThresholdMS = 30000
	}
	if cfg.BulkInterval.MinMS == 0 {
		cfg.BulkInterval.MinMS = 300
	}
	if cfg.BulkInterval.MaxMS == 0 {
		cfg.BulkInterval.MaxMS = 5000
	}
	if cfg.PerKioskDepthLimit == 0 {
		cfg.PerKioskDepthLimit = 100
	}
}

func applyRFIDDefaults(cfg *RFIDConfig) {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.DebounceMS == 0 {
		cfg.DebounceMS = 1000
	}
}

func applyHeartbeatDefaults(cfg *HeartbeatConfig) {
	if cfg.IntervalMS == 0 {
		cfg.IntervalMS = 10000
	}
	if cfg.RecoveryIntervalMS == 0 {
		cfg.RecoveryIntervalMS = 60000
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}
