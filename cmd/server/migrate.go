package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"plontis/internal/adapters/postgres"
	"plontis/internal/adapters/sqlite"
)

func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ctx := cmd.Context()

			switch cfg.Store.Driver {
			case "postgres":
				db, err := postgres.Connect(ctx, cfg.Store.DatabaseURL, postgres.Options{MaxConns: 2})
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				defer db.Close()
				applied, err := db.Migrate(ctx)
				if err != nil {
					return err
				}
				log.Info("migrations applied", zap.Int("count", len(applied)), zap.Strings("versions", applied))
			case "sqlite":
				st, err := sqlite.Open(ctx, cfg.Store.SQLitePath, 0)
				if err != nil {
					return err
				}
				log.Info("sqlite schema is up to date", zap.String("path", cfg.Store.SQLitePath))
				return st.Close()
			default:
				return fmt.Errorf("store driver %q has no migrations", cfg.Store.Driver)
			}
			return nil
		},
	}
}
