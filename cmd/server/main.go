package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagStorage  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Workflow transition engine and ABAC gate.",
	Long: `Workflow moves business records through administrator-defined approval
steps and decides, per REST action, which roles and organizational scopes
may invoke it.

Configuration is read from the environment (see internal/config); the flags
below override it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStorage, "storage", "", "storage backend: memory or postgres (overrides STORAGE)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(importStepsCmd)
	rootCmd.AddCommand(checkAccessCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
