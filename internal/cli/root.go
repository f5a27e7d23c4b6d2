// Package cli wires the loadbench commands.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// RootCmd is the base command.
var RootCmd = &cobra.Command{
	Use:     "loadbench",
	Short:   "Load-testing harness for remote-offload edge platforms",
	Version: version,
	Long: `Loadbench spawns many concurrent simulated edge devices, offloads their
workloads to a remote execution platform, and records every completed task
into a local SQLite database so performance can be compared across runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the CLI.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(queryCmd)
	RootCmd.AddCommand(analyzeCmd)
}
