package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exportcore/internal/config"
)

type rootOptions struct {
	envFile string
	cfg     config.Config
	logger  *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Allocation ledger for the export back office",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var files []string
			if opts.envFile != "" {
				files = append(files, opts.envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = cfg.NewLogger()
			opts.logger.SetOutput(cmd.ErrOrStderr())
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading the environment")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	return cmd
}
