package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/driver/wsair"
	"github.com/ystepanoff/nrftdma/metrics"
)

var hubListen string

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Serve a shared air over WebSocket",
	Long: `Serve a WebSocket endpoint at /air that relays every transmitted frame to
all other connected radios. Start coordinator and node processes with
--url ws://host:port/air to put them on the same air.`,
	RunE: runHub,
}

func init() {
	rootCmd.AddCommand(hubCmd)
	hubCmd.Flags().StringVarP(&hubListen, "listen", "l", "", "Listen address (default from config)")
}

func runHub(cmd *cobra.Command, args []string) error {
	addr := cfg.Hub.Listen
	if cmd.Flags().Changed("listen") {
		addr = hubListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := wsair.NewHub(logger)
	mux := http.NewServeMux()
	mux.Handle("/air", hub)
	if cfg.Metrics.Enable {
		mux.Handle(cfg.Metrics.Path, metrics.Handler(metrics.NewRegistry()))
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("hub listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("hub stopped", zap.Int("clients", hub.Clients()))
	return nil
}
