package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"checkout-service/internal/client"
	"checkout-service/internal/repository/postgres"
	"checkout-service/internal/repository/scylla"
	"checkout-service/internal/util"
)

var (
	migrateSkipScylla     bool
	migrateSkipClickhouse bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply Postgres, ScyllaDB and ClickHouse schemas",
	Long: `Apply every schema the service depends on. Each step is idempotent.

Examples:
  checkout migrate
  checkout migrate --skip-clickhouse`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSkipScylla, "skip-scylla", false, "do not apply the ScyllaDB schema")
	migrateCmd.Flags().BoolVar(&migrateSkipClickhouse, "skip-clickhouse", false, "do not create the ClickHouse analytics table")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("postgres migration: %w", err)
	}

	if !migrateSkipScylla {
		if err := scylla.Migrate(cfg); err != nil {
			return fmt.Errorf("scylla migration: %w", err)
		}
	}

	if !migrateSkipClickhouse {
		ch, err := client.NewClickHouseClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}

	util.Info("Migrations complete")
	return nil
}
