package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cv := crucible.GetVersion()
		info := map[string]string{
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
			"go_version": runtime.Version(),
			"crucible":   cv.Crucible,
			"gofulmen":   cv.Gofulmen,
		}
		out := cmd.OutOrStdout()
		if versionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		_, _ = fmt.Fprintf(out, "%s %s (commit %s, built %s)\n", rootCmd.Name(), info["version"], info["commit"], info["build_date"])
		_, _ = fmt.Fprintf(out, "go %s, gofulmen %s, crucible %s\n", info["go_version"], info["gofulmen"], info["crucible"])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}
