package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kursadbilgin/delivery-guard/internal/config"
	"github.com/kursadbilgin/delivery-guard/internal/infra/postgresql"
	"github.com/kursadbilgin/delivery-guard/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
)

func newMigrateCmd() *cobra.Command {
	var rollback bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadMigrate()
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(cfg.LogLevel, "migrate")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("postgres initialization failed: %w", err)
			}
			defer postgresql.Close(db) //nolint:errcheck

			if rollback {
				if err := migrations.RollbackLast(db); err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				logger.Info("rolled back last migration")
				return nil
			}

			if err := migrations.Migrate(db); err != nil {
				return fmt.Errorf("database migrations failed: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}

	cmd.Flags().BoolVar(&rollback, "rollback", false, "undo the most recent migration instead of applying")
	return cmd
}
