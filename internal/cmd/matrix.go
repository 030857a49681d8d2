package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/driver"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
)

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Show the expanded parameter matrix",
	Long: `Expand parameter_matrix from the manifest and print every combination
with its sub-job name suffix. With --write the expansion is also recorded
in parameter_matrix.json under the output directory.

Examples:
  graspa-tracker matrix -c campaign.yaml
  graspa-tracker matrix -c campaign.yaml --write`,
	RunE: runMatrix,
}

var matrixWrite bool

func init() {
	rootCmd.AddCommand(matrixCmd)
	matrixCmd.Flags().BoolVar(&matrixWrite, "write", false, "Write parameter_matrix.json")
}

func runMatrix(cmd *cobra.Command, args []string) error {
	m, err := loadManifest()
	if err != nil {
		return err
	}
	d, err := newDriver(m, nil, driver.Config{DryRun: true})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	matrix := d.Matrix()
	if !matrix.IsEnabled() {
		_, _ = fmt.Fprintln(out, "Parameter matrix disabled: one sub-job per batch")
		return nil
	}

	_, _ = fmt.Fprintf(out, "%d combinations\n", matrix.Len())
	for _, c := range matrix.Combinations() {
		_, _ = fmt.Fprintf(out, "  %3d  %-30s %s\n", c.ID, c.Name, formatParams(c.Parameters))
	}

	if matrixWrite {
		path := d.MatrixPath()
		if err := matrix.WriteJSON(path); err != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot write parameter matrix", err)
		}
		_, _ = fmt.Fprintf(out, "Wrote %s\n", path)
	}
	return nil
}

func formatParams(p parammatrix.Params) string {
	parts := make([]string, 0, len(p))
	for _, kv := range p {
		parts = append(parts, kv.Key+"="+parammatrix.FormatValue(kv.Value))
	}
	return strings.Join(parts, " ")
}
