package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the persisted definition snapshot",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configured backend's snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			switch cfg.SnapshotBackend {
			case config.BackendNone, config.BackendMemory:
				return fmt.Errorf("snapshot backend %q keeps nothing to show", cfg.SnapshotBackend)
			}

			store, closeStore, err := openSnapshotStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer closeStore()

			defs, err := store.Load(cmd.Context())
			if errors.Is(err, snapshot.ErrNotFound) {
				return fmt.Errorf("no snapshot saved for %s/%s", cfg.AppKey, cfg.Environment)
			}
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(defs)
		},
	})
	return cmd
}
