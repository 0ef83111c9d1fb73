package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/locker"
	panelapi "github.com/openkiosk/lockerd/pkg/panel/api"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Run the staff panel service",
	Long: `Run the staff panel HTTP API in the foreground.

The panel serves the staff administration surface: single and bulk
locker opens, block and unblock, VIP contracts, command status, locker
state and the event log. It writes into the same state database and
command queue the gateway owns, so it must run on the same host.

Examples:
  lockerd panel
  lockerd panel --config /etc/lockerd/config.json`,
	RunE: runPanel,
}

func runPanel(cmd *cobra.Command, args []string) error {
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

	server := panelapi.NewServer(panelapi.APIConfig{
		Host:           cfg.Services.Panel.Host,
		Port:           cfg.Services.Panel.Port,
		MetricsEnabled: cfg.Metrics.Enabled,
	}, st, q, manager, nil)

	logger.Info("panel starting",
		"version", Version,
		logger.KeyPort, cfg.Services.Panel.Port,
	)
	return server.Start(ctx)
}
