package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/driver"
	"github.com/3leaps/graspatracker/pkg/reconcile"
)

var cancelDuplicatesCmd = &cobra.Command{
	Use:   "cancel-duplicates",
	Short: "Cancel redundant submissions of the same sub-job",
	Long: `Find sub-jobs that were submitted more than once and are still queued
or running, keep the newest submission and cancel the rest with scancel.
The cancelled rows are marked CANCELLED in the status table.

This is the only command that cancels scheduler jobs.

Examples:
  graspa-tracker cancel-duplicates -c campaign.yaml`,
	RunE: runCancelDuplicates,
}

func init() {
	rootCmd.AddCommand(cancelDuplicatesCmd)
}

func runCancelDuplicates(cmd *cobra.Command, args []string) error {
	m, err := loadManifest()
	if err != nil {
		return err
	}
	gw := newGateway()
	if err := gw.Available(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "SLURM commands not available", err)
	}
	d, err := newDriver(m, gw, driver.Config{})
	if err != nil {
		return err
	}

	res, err := d.CancelDuplicates(cmd.Context())
	out := cmd.OutOrStdout()
	for _, id := range res.Cancelled {
		_, _ = fmt.Fprintf(out, "Cancelled job %s\n", id)
	}
	if err != nil {
		if errors.Is(err, reconcile.ErrQueueUnavailable) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler queue unavailable", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Some cancellations failed", err)
	}
	if len(res.Cancelled) == 0 {
		_, _ = fmt.Fprintln(out, "No duplicate submissions")
	}
	return nil
}
