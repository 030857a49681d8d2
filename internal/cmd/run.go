package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/graspatracker/internal/observability"
	"github.com/3leaps/graspatracker/pkg/driver"
	"github.com/3leaps/graspatracker/pkg/history"
	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/scheduler"
	"github.com/3leaps/graspatracker/pkg/script"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track a campaign until every sub-job has finished",
	Long: `Partition the input files (first run only), then loop: reconcile the
status table with the scheduler, submit batches up to batch.max_concurrent,
and sleep for the poll interval. The loop ends when nothing is active and
nothing could be submitted.

Interrupting (Ctrl-C, SIGTERM) stops tracking but leaves submitted jobs
running; the next run picks up where this one stopped.

Examples:
  graspa-tracker run -c campaign.yaml
  graspa-tracker run -c campaign.yaml --dry-run
  graspa-tracker run -c campaign.yaml --poll-interval 2m --serve`,
	RunE: runRun,
}

var (
	runPollInterval   time.Duration
	runDryRun         bool
	runResubmitFailed bool
	runOnce           bool
	runServe          bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 0, "Sleep between ticks (default: tracker.poll_interval setting)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Generate scripts without submitting")
	runCmd.Flags().BoolVar(&runResubmitFailed, "resubmit-failed", false, "Resubmit batches listed in failed_batches.txt")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single tick and exit")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Serve the status API and metrics while tracking")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := loadManifest()
	if err != nil {
		return err
	}

	gw := newGateway()
	if !runDryRun {
		if err := gw.Available(); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "SLURM commands not available (use --dry-run to test without a scheduler)", err)
		}
	}

	metrics := observability.NewMetrics()
	d, err := newDriver(m, gw, driver.Config{
		PollInterval:   runPollInterval,
		DryRun:         runDryRun,
		ResubmitFailed: runResubmitFailed,
		Once:           runOnce,
		OnTick: func(res driver.TickResult, elapsed time.Duration) {
			metrics.ObserveTick(elapsed, res.Reconcile.Skipped)
			if res.Table != nil {
				metrics.SetCounts(res.Table)
			}
		},
	})
	if err != nil {
		return err
	}
	d.AddObserver(metrics)

	logger := observability.CLILogger.With(zap.String("run_id", d.RunID()))

	db, err := openHistory(ctx, m, false)
	if err != nil {
		return err
	}
	var ledger *history.Ledger
	if db != nil {
		defer func() { _ = db.Close() }()
		ledger = history.NewLedger(db, logger)
		if _, err := ledger.StartRun(ctx, campaignName(m), runDryRun); err != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot record run in history", err)
		}
		d.AddObserver(ledger)
	}

	if runServe {
		var sched scheduler.Gateway
		if !runDryRun {
			sched = gw
		}
		srv := newServer(d.Store(), db, metrics, sched)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("HTTP server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	sum, runErr := d.Run(ctx)

	if ledger != nil {
		status := history.RunStatusCompleted
		switch {
		case runErr != nil:
			status = history.RunStatusFailed
		case sum.Interrupted:
			status = history.RunStatusInterrupted
		}
		if err := ledger.EndRun(context.Background(), status); err != nil {
			logger.Warn("Could not close history run", zap.Error(err))
		}
	}

	if runErr != nil {
		return runExitError(runErr)
	}

	printSummary(cmd, sum)
	return nil
}

func runExitError(err error) error {
	var cfgErr *script.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return exitError(foundry.ExitInvalidArgument, "Workflow configuration error", err)
	case errors.Is(err, driver.ErrNoInputFiles):
		return exitError(foundry.ExitFileNotFound, "No input files found", err)
	case errors.Is(err, jobstate.ErrLockBusy):
		return exitError(foundry.ExitFileWriteError, "Job status table is locked", err)
	}
	return exitError(foundry.ExitFileWriteError, "Tracking stopped", err)
}

func printSummary(cmd *cobra.Command, sum driver.Summary) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Run %s: %d ticks, %d submitted\n", sum.RunID, sum.Ticks, sum.Submitted)
	for _, st := range jobstate.AllStatuses {
		if n := sum.Counts[st]; n > 0 {
			_, _ = fmt.Fprintf(out, "  %-18s %d\n", st, n)
		}
	}
}

func campaignName(m *manifest.Manifest) string {
	if name := m.Project["name"]; name != "" {
		return name
	}
	return filepath.Base(m.Output.OutputDir)
}
