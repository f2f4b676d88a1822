package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "flagsync",
		Short: "Feature flag agent",
		Long: `flagsync keeps feature definitions in sync with the definitions service,
evaluates them locally and uploads usage and metric statistics.

Configuration is read from FLAGSYNC_* environment variables and an optional .env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newServeCmd(version),
		newMigrateCmd(),
		newSnapshotCmd(),
	)
	return root
}
