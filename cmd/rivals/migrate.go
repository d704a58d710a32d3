package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/narivals/rivals-ledger/internal/store"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is not set")
			}
			if err := store.MigratePostgres(cfg.Database.URL, down); err != nil {
				return err
			}
			slog.Info("migrations applied", "down", down)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert all migrations")
	return cmd
}
