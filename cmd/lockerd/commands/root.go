// Package commands implements the CLI commands for lockerd service
// management.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openkiosk/lockerd/internal/logger"
	"github.com/openkiosk/lockerd/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lockerd",
	Short: "lockerd - Electronic locker facility control",
	Long: `lockerd coordinates a facility of electronic lockers: a central
gateway holds the state database and the durable command queue, kiosk
processes drive relay cards over RS-485 Modbus RTU and handle RFID and
QR scans, and the panel serves the staff administration API.

Each service runs as its own process from the same binary:

  lockerd gateway   state database, command queue, heartbeat monitor
  lockerd kiosk     relay actuation, card reader, command executor
  lockerd panel     staff administration HTTP API

Use "lockerd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.json or /etc/lockerd/config.json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(kioskCmd)
	rootCmd.AddCommand(panelCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// loadConfig loads the configuration and initializes the logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Init(cfg.Logging.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
