package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/pkg/manifest"
)

var initConfigForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a starter campaign manifest",
	Long: `Write a starter campaign manifest with every section filled in with
its default. The path defaults to --config, then config.yaml.

Examples:
  graspa-tracker init-config
  graspa-tracker init-config campaigns/co2-uptake.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInitConfig,
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "Overwrite an existing file")
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := manifestPath()
	if len(args) == 1 {
		path = args[0]
	}
	if initConfigForce {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return exitError(foundry.ExitFileWriteError, "Cannot replace "+path, err)
		}
	}
	if err := manifest.WriteDefault(path); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot write manifest", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
