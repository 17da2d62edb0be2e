// Package app builds the gatewayd command tree.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; it defaults to "dev" for
// local builds.
var Version = "dev"

// NewRootCmd assembles the gatewayd command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Load-balancing proxy for GPU-resident LLM backends",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gatewayd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}
