package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-workflow/internal/config"
)

var importStepsCmd = &cobra.Command{
	Use:   "import-steps <file.yaml>",
	Short: "Upsert a YAML step catalog into the configured store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage != config.StoragePostgres {
			log.Warn().Msg("Importing into in-memory storage; the catalog is discarded on exit")
		}

		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := a.steps.ImportSteps(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d\n", res.Created, res.Updated)
		return nil
	},
}
