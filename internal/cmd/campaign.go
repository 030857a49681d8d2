package cmd

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/graspatracker/internal/config"
	"github.com/3leaps/graspatracker/internal/observability"
	"github.com/3leaps/graspatracker/pkg/driver"
	"github.com/3leaps/graspatracker/pkg/history"
	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
	"github.com/3leaps/graspatracker/pkg/scheduler"
	"github.com/3leaps/graspatracker/pkg/script"
)

// settings returns the loaded application settings, or the defaults when a
// command runs without the root pre-run (tests).
func settings() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	cfg, err := config.Load(context.Background())
	if err != nil {
		return &config.Config{}
	}
	return cfg
}

func manifestPath() string {
	if manifestFile != "" {
		return manifestFile
	}
	if p := settings().Tracker.Manifest; p != "" {
		return p
	}
	return "config.yaml"
}

func loadManifest() (*manifest.Manifest, error) {
	path := manifestPath()
	m, err := manifest.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Manifest not found: "+path, err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest: "+path, err)
	}
	return m, nil
}

func newGateway() *scheduler.Slurm {
	s := settings().Scheduler
	return scheduler.NewSlurm(scheduler.Config{
		User:           s.User,
		CommandTimeout: s.CommandTimeout,
		QueryRate:      s.QueryRate,
		Commands: scheduler.Commands{
			Submit:  s.SubmitCommand,
			Queue:   s.QueueCommand,
			Account: s.AccountCommand,
			Cancel:  s.CancelCommand,
		},
		Logger: observability.CLILogger,
	})
}

// newDriver wires a driver for m against the SLURM gateway (or gw when set).
func newDriver(m *manifest.Manifest, gw scheduler.Gateway, cfg driver.Config) (*driver.Driver, error) {
	if gw == nil {
		gw = newGateway()
	}
	s := settings()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = s.Tracker.PollInterval
	}
	if cfg.Script.Python == "" {
		cfg.Script = script.Options{Python: s.Tracker.Python}
	}
	cfg.Store = jobstate.Options{
		LockRetries:        s.Store.LockRetries,
		LockInitialBackoff: s.Store.LockInitialBackoff,
		LockMaxBackoff:     s.Store.LockMaxBackoff,
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.CLILogger
	}
	d, err := driver.New(m, gw, cfg)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Cannot set up campaign", err)
	}
	return d, nil
}

// openHistory opens and migrates the manifest's history database. It
// returns nil when history is disabled and force is false.
func openHistory(ctx context.Context, m *manifest.Manifest, force bool) (*sql.DB, error) {
	if !m.History.Enabled && !force {
		return nil, nil
	}
	if force && !m.History.Enabled {
		if _, err := os.Stat(m.History.Path); err != nil {
			return nil, exitError(foundry.ExitFileNotFound, "History database not found: "+m.History.Path, err)
		}
	}
	db, err := history.Open(ctx, history.Config{Path: m.History.Path})
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot open history database", err)
	}
	if err := history.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, exitError(foundry.ExitFileWriteError, "Cannot migrate history database", err)
	}
	return db, nil
}

// storeFor returns the status table store of m without building a driver.
func storeFor(m *manifest.Manifest) (*jobstate.Store, error) {
	matrix, err := parammatrix.New(m.MatrixConfig())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid parameter matrix", err)
	}
	return jobstate.NewStore(m.Output.StatusFile, jobstate.Options{
		WithParams: matrix.IsEnabled(),
		Logger:     observability.CLILogger,
	}), nil
}
