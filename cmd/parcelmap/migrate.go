package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Apply the PostGIS extension and the pipeline tables. Safe to run
repeatedly; every statement is idempotent.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DATABASE_DSN)")
	}

	stack, err := buildStack()
	if err != nil {
		return err
	}
	defer stack.Close()

	if err := stack.store.Migrate(context.Background()); err != nil {
		return err
	}
	fmt.Println("Schema is up to date")
	return nil
}
