package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hitcapture build",
	Long: `Print the hitcapture release and build time. Captures record the same
version in the HAR creator field, so a file can be matched to the build that
wrote it.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "hitcapture version %s\n", version)
		fmt.Fprintf(out, "Built: %s\n", buildTime)
	},
}
