package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/clusterrpc/internal/version"
)

// versionCmd prints build version information.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print clusterctl version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(appversion.Full("clusterctl"))
			return nil
		},
	}
}
