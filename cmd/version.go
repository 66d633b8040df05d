package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata variables, set by -ldflags at compile time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

// VersionOutput is the JSON form of the build metadata.
type VersionOutput struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := VersionOutput{
			Version:   Version,
			Commit:    CommitSHA,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(out)
		}
		fmt.Printf("face-clusterer %s\n", out.Version)
		fmt.Printf("  Commit: %s\n", out.Commit)
		fmt.Printf("  Built:  %s (%s)\n", out.BuildDate, out.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
