package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/driver"
)

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Split the input files into batches",
	Long: `Discover the input files under database.path, split them into batches
with the configured strategy and write one batch_<id>.csv per batch.

Batches are created automatically by "run" on first start. Re-partitioning
a campaign that already has submissions changes which files each batch id
refers to, so it requires --force.

Examples:
  graspa-tracker partition -c campaign.yaml
  graspa-tracker partition -c campaign.yaml --force`,
	RunE: runPartition,
}

var partitionForce bool

func init() {
	rootCmd.AddCommand(partitionCmd)
	partitionCmd.Flags().BoolVar(&partitionForce, "force", false, "Rewrite batches even when submissions exist")
}

func runPartition(cmd *cobra.Command, args []string) error {
	m, err := loadManifest()
	if err != nil {
		return err
	}
	d, err := newDriver(m, nil, driver.Config{DryRun: true})
	if err != nil {
		return err
	}

	if d.Batches().Exists() && !partitionForce {
		t, err := d.Store().Load()
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot read job status table", err)
		}
		for _, r := range t.Records() {
			if r.Status.Attempted() {
				return exitError(foundry.ExitInvalidArgument,
					"Campaign already has submissions; re-run with --force to re-partition", nil)
			}
		}
	}

	batches, err := d.Partition()
	if err != nil {
		return runExitError(err)
	}

	files := 0
	for _, b := range batches {
		files += len(b.Files)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s batches (%s files) to %s\n",
		humanize.Comma(int64(len(batches))), humanize.Comma(int64(files)), d.Batches().Dir())
	return nil
}
