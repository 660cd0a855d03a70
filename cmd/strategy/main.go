// Package main is the entry point of the ICA strategy service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elys-network/icastrategy/internal/config"
	"github.com/elys-network/icastrategy/internal/logger"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Orchestrate interchain account operations of the LP strategy",
	Long: `strategy queues bond and unbond requests, dispatches them to the remote chain through an
interchain account and settles the acknowledgements that come back.

Examples:
  strategy run                 # Serve the API and run the dispatch loop
  strategy migrate             # Create the PostgreSQL schema
  strategy traps               # List failed steps waiting for a retry`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
		}
		if logLevel == "" {
			logLevel = os.Getenv("LOG_LEVEL")
		}
		if logFormat == "" {
			logFormat = os.Getenv("LOG_FORMAT")
		}
		logger.Initialize(logLevel, logFormat)
		return config.LoadConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); defaults to LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console or json); defaults to LOG_FORMAT")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(trapsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
