package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded Postgres schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		applied, err := repository.Migrate(cmd.Context(), db)
		if err != nil {
			return err
		}
		log.Info().Strs("applied", applied).Msg("Migrations complete")
		return nil
	},
}
