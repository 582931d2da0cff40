package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wagate-io/wagate/internal/config"
	"github.com/wagate-io/wagate/internal/driver"
	"github.com/wagate-io/wagate/internal/event"
	"github.com/wagate-io/wagate/internal/logging"
	"github.com/wagate-io/wagate/internal/server"
	"github.com/wagate-io/wagate/internal/session"
	"github.com/wagate-io/wagate/internal/webhook"
)

var (
	servePort     int
	serveHostname string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session gateway",
	Long: `Start the gateway: restore previously authenticated sessions from
disk, begin health monitoring and expose the REST API.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := configDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHostname != "" {
		cfg.Hostname = serveHostname
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.PrettyLogs,
	})
	log := logging.WithComponent("serve")
	log.Info().Str("version", Version).Str("storage_root", cfg.StorageRoot).Msg("starting wagate")

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()

	breaker := webhook.NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset())
	dispatcher := webhook.NewDispatcher(cfg.WebhookSecret, cfg.WebhookTimeout(), breaker)
	forwarder := webhook.NewForwarder(dispatcher, event.NewSet(cfg.EnabledEvents))
	forwarder.Start(bus)
	defer forwarder.Stop()

	sup := session.NewSupervisor(cfg, session.NewRegistry(), bus, driver.NewFactory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := session.NewMonitor(sup.Registry(), sup.Validator(), sup, cfg)
	go monitor.Run(ctx)

	sup.Restore(ctx)

	srv := server.New(cfg, sup)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("hostname", cfg.Hostname).Int("port", cfg.Port).Msg("listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}

	log.Info().Msg("stopped")
	return nil
}
