package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/executor"
	"github.com/openkiosk/lockerd/pkg/heartbeat"
	kioskapi "github.com/openkiosk/lockerd/pkg/kiosk/api"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/modbus"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/rfid"
	"github.com/openkiosk/lockerd/pkg/store"
)

var kioskNoHardware bool

var kioskCmd = &cobra.Command{
	Use:   "kiosk",
	Short: "Run a kiosk service",
	Long: `Run a kiosk service in the foreground.

A kiosk drives the relay cards on its RS-485 bus, reads the RFID
scanner, executes queued commands for its lockers and posts heartbeats
to the gateway. The kiosk identity comes from kiosk.id in the config
or the LOCKERD_KIOSK_ID environment variable.

Use --no-hardware for development on a machine without the serial bus;
pulses then succeed without touching any device.

Examples:
  # Run the kiosk named in the config
  lockerd kiosk

  # Run a specific kiosk against a shared config
  LOCKERD_KIOSK_ID=room-7 lockerd kiosk --config /etc/lockerd/config.json`,
	RunE: runKiosk,
}

func init() {
	kioskCmd.Flags().BoolVar(&kioskNoHardware, "no-hardware", false, "Run without the serial bus (development)")
}

func runKiosk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Kiosk.ID == "" {
		return fmt.Errorf("kiosk.id is not configured (set it in the config file or via LOCKERD_KIOSK_ID)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	manager := locker.NewManager(st, cfg.Lockers.ManagerConfig())
	q := queue.New(st, cfg.Queue.Config())
	guards := executor.NewGuards()

	created, err := st.ProvisionLockers(ctx, cfg.Kiosk.ID, cfg.Lockers.TotalCount)
	if err != nil {
		return fmt.Errorf("failed to provision lockers: %w", err)
	}
	if created > 0 {
		logger.Info("provisioned lockers", logger.KeyKioskID, cfg.Kiosk.ID, "created", created)
	}
	if err := manager.ProvisionVIP(ctx, cfg.Kiosk.ID); err != nil {
		return fmt.Errorf("failed to bind VIP contracts: %w", err)
	}

	var (
		pulser   executor.Pulser
		hardware heartbeat.HardwareReporter
		health   *modbus.Health
	)
	if kioskNoHardware || cfg.Modbus.Port == "" {
		logger.Warn("running without relay hardware, pulses are no-ops")
		pulser = noopPulser{}
	} else {
		transport, err := modbus.Open(cfg.Modbus.SerialConfig())
		if err != nil {
			return fmt.Errorf("failed to open modbus port: %w", err)
		}
		defer transport.Close()

		mapping := modbus.NewMapping(cfg.Hardware.CardAddresses())
		actuator := modbus.NewActuator(transport, mapping, cfg.Modbus.PulseConfig())
		pulser = actuator
		hardware = actuator
		health = actuator.Health()
	}

	exec, err := executor.New(q, manager, st, pulser, guards, cfg.ExecutorConfig())
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}
	if cfg.Features.ZonesEnabled {
		exec.SetZoneFilter(cfg.ZoneFilter(cfg.Kiosk.Zone))
	}

	recovery := heartbeat.NewRecovery(st, q, manager, cfg.Heartbeat.Config())
	if err := recovery.OnKioskStartup(ctx, cfg.Kiosk.ID, Version); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	exec.ResetCache()

	intake, err := rfid.New(manager, pulser, guards, cfg.RFID.IntakeConfig(cfg.Kiosk.ID))
	if err != nil {
		return fmt.Errorf("failed to build scan intake: %w", err)
	}
	if cfg.RFID.Device != "" {
		reader, err := rfid.OpenSerialReader(cfg.RFID.Device, cfg.RFID.Baud)
		if err != nil {
			return fmt.Errorf("failed to open rfid reader: %w", err)
		}
		defer reader.Close()
		go rfid.Listen(ctx, reader, intake)
	} else {
		logger.Warn("no rfid device configured, card scans disabled")
	}

	sender := heartbeat.NewSender(heartbeat.SenderConfig{
		GatewayURL: cfg.Kiosk.GatewayURL,
		AuthToken:  os.Getenv("LOCKERD_AUTH_TOKEN"),
		KioskID:    cfg.Kiosk.ID,
		Zone:       cfg.Kiosk.Zone,
		Version:    Version,
		Interval:   cfg.Heartbeat.Config().Interval,
	}, hardware, exec)

	go exec.Run(ctx)
	go sender.Run(ctx)
	go recovery.Run(ctx, cfg.Kiosk.ID)

	server := kioskapi.NewServer(kioskapi.APIConfig{
		Host:           cfg.Services.Kiosk.Host,
		Port:           cfg.Services.Kiosk.Port,
		KioskID:        cfg.Kiosk.ID,
		MetricsEnabled: cfg.Metrics.Enabled,
	}, st, intake, health)

	logger.Info("kiosk starting",
		"version", Version,
		logger.KeyKioskID, cfg.Kiosk.ID,
		logger.KeyPort, cfg.Services.Kiosk.Port,
	)
	return server.Start(ctx)
}

// noopPulser satisfies the executor without hardware. Every pulse
// succeeds immediately.
type noopPulser struct{}

func (noopPulser) Pulse(ctx context.Context, lockerID int) error {
	logger.Info("pulse (no hardware)", logger.KeyLockerID, lockerID)
	return nil
}
