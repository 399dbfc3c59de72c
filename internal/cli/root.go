package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/internal/config"
	"github.com/ystepanoff/nrftdma/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tdmasim",
	Short: "TDMA MAC simulator and device runner",
	Long: `tdmasim runs a slotted TDMA network: a coordinator that beacons and hands
out uplink slots, and nodes that join and send in their slot.

Modes:
  simulate     coordinator and nodes in one process over a simulated air
  hub          WebSocket air shared by coordinator/node processes
  coordinator  run the coordinator on a hub (--url) or a serial modem (--port)
  node         run a node on a hub (--url) or a serial modem (--port)

Configuration is read from --config (or TDMA_CONFIG, or ./tdma.yaml) and can be
overridden with TDMA_* environment variables, e.g. TDMA_MAC_SLOTCOUNT=8.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("port") {
			cfg.Serial.Port = portName
		}
		if cmd.Flags().Changed("baud") {
			cfg.Serial.Baud = baudRate
		}
		if cmd.Flags().Changed("url") {
			cfg.Hub.URL = wsURL
		}
		logger, err = logging.InitLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port of the radio modem")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "Air hub URL (ws:// or wss://)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
