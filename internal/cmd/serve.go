package cmd

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/graspatracker/internal/observability"
	"github.com/3leaps/graspatracker/internal/server"
	"github.com/3leaps/graspatracker/internal/server/handlers"
	"github.com/3leaps/graspatracker/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the campaign status over HTTP",
	Long: `Serve a read-only HTTP view of a campaign: health endpoints, version,
Prometheus metrics and the job status table under /api/v1.

The server only reads the status table; run "graspa-tracker run" to drive
the campaign.

Examples:
  graspa-tracker serve -c campaign.yaml
  graspa-tracker serve -c campaign.yaml --host 0.0.0.0 --port 8081`,
	RunE: serveStatus,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host setting)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port setting)")
}

func serveStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := loadManifest()
	if err != nil {
		return err
	}
	store, err := storeFor(m)
	if err != nil {
		return err
	}
	db, err := openHistory(ctx, m, false)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	metrics := observability.NewMetrics()
	if t, err := store.Load(); err == nil {
		metrics.SetCounts(t)
	}

	srv := newServer(store, db, metrics, newGateway())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	observability.CLILogger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(context.Background()); err != nil {
		return exitError(foundry.ExitSignalInt, "HTTP server shutdown failed", err)
	}
	return nil
}

// newServer builds the HTTP server from settings, with flag overrides.
func newServer(source handlers.TableSource, db *sql.DB, metrics *observability.Metrics, gw scheduler.Gateway) *server.Server {
	s := settings()
	host, port := s.Server.Host, s.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	health.RegisterChecker("metrics", metricsHealthChecker{metrics: metrics})
	if gw != nil {
		health.RegisterChecker("scheduler", schedulerHealthChecker{gw: gw})
	}

	opts := []server.Option{
		server.WithLogger(observability.CLILogger),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTracker(source, db),
		server.WithTimeouts(server.Timeouts{
			Read:     s.Server.ReadTimeout,
			Write:    s.Server.WriteTimeout,
			Idle:     s.Server.IdleTimeout,
			Shutdown: s.Server.ShutdownTimeout,
		}),
	}
	if s.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(metrics))
	}
	srv := server.New(host, port, opts...)
	observability.CLILogger.Info("Serving campaign status", zap.String("addr", srv.Addr()))
	return srv
}

// identityHealthChecker fails when the app identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

type metricsHealthChecker struct {
	metrics *observability.Metrics
}

func (c metricsHealthChecker) CheckHealth(ctx context.Context) error {
	if c.metrics == nil || c.metrics.Registry() == nil {
		return errors.New("metrics registry not initialized")
	}
	return nil
}

// schedulerHealthChecker fails when the SLURM commands are not on PATH.
type schedulerHealthChecker struct {
	gw scheduler.Gateway
}

func (c schedulerHealthChecker) CheckHealth(ctx context.Context) error {
	return c.gw.Available()
}
