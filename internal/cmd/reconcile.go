package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/driver"
	"github.com/3leaps/graspatracker/pkg/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync the status table with the scheduler once",
	Long: `Run a single reconcile pass: query the scheduler for every PENDING or
RUNNING sub-job, read the exit markers of finished ones, update the status
table and failed_batches.txt, and print what changed. Nothing is submitted.

Examples:
  graspa-tracker reconcile -c campaign.yaml
  graspa-tracker reconcile -c campaign.yaml -v`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	m, err := loadManifest()
	if err != nil {
		return err
	}
	d, err := newDriver(m, nil, driver.Config{})
	if err != nil {
		return err
	}

	_, res, err := d.Reconcile(cmd.Context())
	if errors.Is(err, reconcile.ErrQueueUnavailable) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler queue unavailable, nothing changed", err)
	}
	if err != nil {
		return runExitError(err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Checked %d rows, %d changed, %d active\n", res.Checked, res.Changed, res.Active)
	for _, tr := range res.Transitions {
		_, _ = fmt.Fprintf(out, "  %-20s %-10s %s -> %s (%s)\n", tr.Key, tr.JobID, displayStatus(tr.From), tr.To, tr.Source)
	}
	if res.FailedChanged {
		_, _ = fmt.Fprintf(out, "Updated %s (%d batches)\n", m.Output.FailedBatchesFile, d.Failed().Len())
	}
	return nil
}
