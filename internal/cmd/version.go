package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		deps := crucible.GetVersion()
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go_version": runtime.Version(),
				"gofulmen":   deps.Gofulmen,
				"crucible":   deps.Crucible,
			})
		}
		_, _ = fmt.Fprintf(os.Stdout, "expvisor %s\n", versionInfo.Version)
		_, _ = fmt.Fprintf(os.Stdout, "commit=%s\nbuild_date=%s\ngo=%s %s/%s\n",
			versionInfo.Commit, versionInfo.BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
