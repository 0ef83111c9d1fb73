package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openkiosk/lockerd/internal/logger"
	gwapi "github.com/openkiosk/lockerd/pkg/gateway/api"
	"github.com/openkiosk/lockerd/pkg/heartbeat"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway service",
	Long: `Run the gateway service in the foreground.

The gateway owns the state database and the durable command queue. It
serves the coordination HTTP API: command enqueue and status, kiosk
long-polling, heartbeats and liveness classification. It also runs the
reservation sweeper and global stale-command recovery.

Examples:
  # Run with the default config location
  lockerd gateway

  # Run with a custom config
  lockerd gateway --config /etc/lockerd/config.json

  # Override the database path
  LOCKERD_DB_PATH=/data/lockerd.db lockerd gateway`,
	RunE: runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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
	monitor := heartbeat.NewMonitor(st, cfg.Heartbeat.Config())
	recovery := heartbeat.NewRecovery(st, q, manager, cfg.Heartbeat.Config())

	if err := recovery.OnGatewayStartup(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	go recovery.Run(ctx, "")
	go locker.NewSweeper(manager, 0).Run(ctx)

	server := gwapi.NewServer(gwapi.APIConfig{
		Host:           cfg.Services.Gateway.Host,
		Port:           cfg.Services.Gateway.Port,
		MetricsEnabled: cfg.Metrics.Enabled,
	}, st, q, monitor, nil)

	logger.Info("gateway starting",
		"version", Version,
		logger.KeyPort, cfg.Services.Gateway.Port,
	)
	return server.Start(ctx)
}
