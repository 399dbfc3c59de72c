package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/driver/serialphy"
	"github.com/ystepanoff/nrftdma/driver/stub"
	"github.com/ystepanoff/nrftdma/driver/wsair"
	"github.com/ystepanoff/nrftdma/internal/config"
	"github.com/ystepanoff/nrftdma/metrics"
	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

var nodeAddr string

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run a coordinator on a hub or serial modem",
	RunE:  runCoordinator,
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node on a hub or serial modem",
	RunE:  runNode,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringVarP(&nodeAddr, "addr", "a", "", "Node address, e.g. 0x0102 (default from config)")
}

// radio is a RadioDriver that can be shut down and reports a dead link.
type radio interface {
	transport.RadioDriver
	Done() <-chan struct{}
	Close() error
}

// openRadio connects to a serial modem if a port is configured, otherwise to
// the air hub.
func openRadio(ctx context.Context, clock transport.Timer) (radio, error) {
	if cfg.Serial.Port != "" {
		logger.Info("opening serial modem", zap.String("port", cfg.Serial.Port), zap.Int("baud", cfg.Serial.Baud))
		return serialphy.Open(cfg.Serial.Port, cfg.Serial.Baud, clock, logger)
	}
	logger.Info("connecting to air hub", zap.String("url", cfg.Hub.URL))
	return wsair.Dial(ctx, cfg.Hub.URL, clock)
}

// deviceContext is cancelled on a signal or when the radio link dies.
func deviceContext(parent context.Context, r radio) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-r.Done():
			logger.Warn("radio link closed")
			stop()
		case <-ctx.Done():
		}
	}()
	return ctx, stop
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	addr, err := proto.ParseAddress(cfg.Device.Coordinator)
	if err != nil {
		return fmt.Errorf("device.coordinator: %w", err)
	}

	clock := stub.NewClock(0)
	defer clock.Close()
	r, err := openRadio(cmd.Context(), clock)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx, stop := deviceContext(cmd.Context(), r)
	defer stop()

	reg := metrics.NewRegistry()
	if cfg.Metrics.Enable {
		go serveMetrics(ctx, cfg.Metrics, reg, logger)
	}

	coord, err := transport.NewCoordinatorWithDriver(addr, cfg.MAC.Transport(), r, clock,
		transport.WithLogger(logger), transport.WithMetrics(metrics.NewMAC(reg)))
	if err != nil {
		return err
	}
	coordinatorApp(coord, logger, &stats{})
	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// resolveNodeAddress picks the node address: an explicit --addr wins, then
// the hardware serial, then device.address.
func resolveNodeAddress(flagAddr string, flagSet bool, dev config.DeviceConfig) (proto.NodeAddress, error) {
	var addr proto.NodeAddress
	switch {
	case flagSet:
		a, err := proto.ParseAddress(flagAddr)
		if err != nil {
			return proto.AddressNone, err
		}
		addr = a
	case dev.Serial != "":
		serial, err := hex.DecodeString(dev.Serial)
		if err != nil {
			return proto.AddressNone, fmt.Errorf("device.serial: %w", err)
		}
		addr = proto.AddressFromSerial(serial)
	default:
		a, err := proto.ParseAddress(dev.Address)
		if err != nil {
			return proto.AddressNone, err
		}
		addr = a
	}
	if !addr.IsUnicast() {
		return proto.AddressNone, fmt.Errorf("address %v cannot own a slot", addr)
	}
	return addr, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	addr, err := resolveNodeAddress(nodeAddr, cmd.Flags().Changed("addr"), cfg.Device)
	if err != nil {
		return fmt.Errorf("node address: %w", err)
	}

	clock := stub.NewClock(0)
	defer clock.Close()
	r, err := openRadio(cmd.Context(), clock)
	if err != nil {
		return err
	}
	defer r.Close()
	ctx, stop := deviceContext(cmd.Context(), r)
	defer stop()

	reg := metrics.NewRegistry()
	if cfg.Metrics.Enable {
		go serveMetrics(ctx, cfg.Metrics, reg, logger)
	}

	node, err := transport.NewNodeWithDriver(addr, cfg.MAC.Transport(), r, clock,
		transport.WithLogger(logger), transport.WithMetrics(metrics.NewMAC(reg)))
	if err != nil {
		return err
	}
	go nodeApp(ctx, node, cfg.Sim.SendInterval, logger, &stats{})
	if err := node.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
