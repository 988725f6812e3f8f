package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/internal/server"
	"github.com/3leaps/expvisor/internal/server/handlers"
	"github.com/3leaps/expvisor/pkg/experiment"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the experiments HTTP API",
	Long: `Serve the experiments API, health checks, /version and /metrics.

Callers identify themselves with the X-Expvisor-Principal header. Bind to
localhost (the default) or put an authenticating proxy in front.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	identity := GetAppIdentity()
	log, err := observability.InitServiceLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = log.Sync() }()

	a, err := newApp(ctx, cfg, log, appOptions{metrics: cfg.Metrics.Enabled})
	if err != nil {
		return err
	}
	defer a.Close()

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	health.RegisterChecker("store", storeHealthChecker{store: a.store})
	if cfg.Metrics.Enabled {
		health.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	api := handlers.NewExperimentsAPI(a.sup, a.policy, cfg.Supervisor.Detached, log.Named("api"))
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithExperimentsAPI(api),
		server.WithLogger(log),
		server.WithMetrics(cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port),
		server.WithPprof(cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port != cfg.Server.Port {
		metricsSrv = &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)),
			Handler:           observability.MetricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("Serving metrics", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
	case <-sigCtx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// signalHealthChecker reports healthy while the process handles signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.Registry == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// storeHealthChecker checks the state store with a read that touches the
// lock directory (file) or the database (sqlite).
type storeHealthChecker struct {
	store experiment.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	_, err := c.store.List(ctx, experiment.ListFilter{Owner: "-healthcheck-"})
	return err
}
