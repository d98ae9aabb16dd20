package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"exportcore/internal/core"
	"exportcore/internal/idempotency"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency records once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage, err := core.OpenStorage(cmd.Context(), opts.cfg.StorageConfig(), nil)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			sweeper := idempotency.NewSweeper(storage.Idempotency, opts.cfg.Idempotency.SweepInterval, opts.logger)
			n, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired idempotency records\n", n)
			return nil
		},
	}
}
