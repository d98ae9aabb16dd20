package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"exportcore/internal/core"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage := opts.cfg.StorageConfig()
			if err := core.MigrateStorage(storage); err != nil {
				return err
			}
			opts.logger.WithField("driver", storage.Driver).Info("schema up to date")
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
