// Package cmd defines the CLI for the crawler telemetry service.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/econ-graph/crawler-telemetry/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler-telemetry",
		Short: "Unified crawler metrics and politeness compliance service.",
		Long: `crawler-telemetry aggregates metrics from the EconGraph crawler fleet
(economic data sources, SEC EDGAR, queue workers), tracks per-source
politeness compliance, and serves the Prometheus exposition endpoint.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDumpCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
