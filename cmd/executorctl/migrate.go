package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"executor/internal/registry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  "Create or upgrade the execution registry schema in DATABASE_DSN",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := registry.LoadConfigFromEnv()

	db, dialect, err := registry.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := registry.Migrate(ctx, db, dialect); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registry schema up to date (%s)\n", dialect.Name)
	return nil
}
