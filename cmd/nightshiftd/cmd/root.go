package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nightshiftd",
	Short: "Nightshift core - Firecracker microVM control plane for agent runs",
	Long: `nightshiftd is the core process that provisions Firecracker microVMs for
agent runs, pools warm VMs per agent, and streams run events to subscribers
over HTTP.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
