package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furyshare/metrics"
	"github.com/TFMV/furyshare/relay"
	"github.com/TFMV/furyshare/server"
)

// relayCmd runs the signaling relay and its status API.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the signaling relay and status API",
	Long: `Serves the /chat/{peerIdentity} websocket endpoint peers connect to for signaling,
and a status API with /status, /peers and /metrics.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().String("address", "", "relay listen address (default :8080)")
	relayCmd.Flags().Int("api-port", 0, "status API port (default 8081)")
	viper.BindPFlag("relay.address", relayCmd.Flags().Lookup("address"))
	viper.BindPFlag("api.port", relayCmd.Flags().Lookup("api-port"))

	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.Register()

	hub := relay.NewHub(logger, relay.Config{
		PingInterval: viper.GetDuration("signaling.ping_interval"),
		WriteTimeout: viper.GetDuration("signaling.write_timeout"),
	})

	mux := http.NewServeMux()
	mux.Handle(relay.PathPrefix, hub)
	httpServer := &http.Server{
		Addr:              viper.GetString("relay.address"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	api := server.New(logger, hub)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Starting signaling relay", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := api.ListenPort(viper.GetInt("api.port")); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err = <-errCh:
		logger.Error("Relay failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub.Close()
	if shutdownErr := httpServer.Shutdown(ctx); shutdownErr != nil {
		logger.Warn("Relay shutdown failed", zap.Error(shutdownErr))
	}
	if shutdownErr := api.Shutdown(); shutdownErr != nil {
		logger.Warn("API shutdown failed", zap.Error(shutdownErr))
	}

	return err
}
