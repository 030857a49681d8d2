package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/driver"
	"github.com/3leaps/graspatracker/pkg/orchestrator"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Reconcile and submit at most one batch",
	Long: `Run one reconcile pass, then submit the next eligible batch if the
concurrency cap allows it. Useful from cron or for stepping through a
campaign by hand.

Examples:
  graspa-tracker submit -c campaign.yaml
  graspa-tracker submit -c campaign.yaml --dry-run`,
	RunE: runSubmit,
}

var (
	submitDryRun         bool
	submitResubmitFailed bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().BoolVar(&submitDryRun, "dry-run", false, "Generate scripts without submitting")
	submitCmd.Flags().BoolVar(&submitResubmitFailed, "resubmit-failed", false, "Resubmit batches listed in failed_batches.txt")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadManifest()
	if err != nil {
		return err
	}
	gw := newGateway()
	if !submitDryRun {
		if err := gw.Available(); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "SLURM commands not available", err)
		}
	}
	d, err := newDriver(m, gw, driver.Config{DryRun: submitDryRun, ResubmitFailed: submitResubmitFailed})
	if err != nil {
		return err
	}
	if err := d.Prepare(ctx); err != nil {
		return runExitError(err)
	}

	res, err := d.SubmitOnce(ctx)
	if err != nil {
		return runExitError(err)
	}

	out := cmd.OutOrStdout()
	switch res.Outcome {
	case orchestrator.Submitted:
		_, _ = fmt.Fprintf(out, "Submitted batch %d (%d sub-jobs)\n", res.BatchID, res.Submitted)
	case orchestrator.AtCapacity:
		_, _ = fmt.Fprintf(out, "At capacity (%d active), nothing submitted\n", d.Orchestrator().MaxConcurrent())
	case orchestrator.Exhausted:
		_, _ = fmt.Fprintln(out, "No eligible batches")
	case orchestrator.SubmitFailed:
		return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("Submission of batch %d failed", res.BatchID), nil)
	default:
		_, _ = fmt.Fprintf(out, "Batch %d: %s\n", res.BatchID, res.Outcome)
	}
	return nil
}
