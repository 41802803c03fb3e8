package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nightshiftvm/nightshift/internal/netalloc"
)

var sweepNetworkCmd = &cobra.Command{
	Use:   "sweep-network",
	Short: "Remove leftover TAP devices and NAT rules from a prior crashed run",
	RunE: func(c *cobra.Command, args []string) error {
		if err := netalloc.CleanupStale(); err != nil {
			return fmt.Errorf("sweep network: %w", err)
		}
		fmt.Println("nightshiftd: stale network state swept")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepNetworkCmd)
}
