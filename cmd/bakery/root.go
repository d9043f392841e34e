package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bakery",
		Short:         "Build layered Docker images for Python applications",
		Long:          "bakery resolves a layered build configuration, provisions a root image,\ncompiles and installs the application release into an isolated environment,\nand assembles a minimal runner image.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newPurgeCmd())
	return cmd
}
