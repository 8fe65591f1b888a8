// Package main is the CLI entry point for the Cortex assistant runtime.
//
// Start the server:
//
//	cortex serve --config cortex.yaml
//
// The ingest API key can also be supplied via CORTEX_INGEST_API_KEY.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "cortex",
		Short:   "Channel-agnostic assistant runtime",
		Long:    "Cortex ingests user events over HTTP, replies through an LLM proxy with tool calling, and hands replies to connectors through a leased outbox.",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	rootCmd.AddCommand(
		buildServeCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Cortex runtime",
		Long: `Start the Cortex runtime: the HTTP boundary, the inbox processor,
and the extraction pipeline. Graceful shutdown on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  cortex serve

  # Start with custom config
  cortex serve --config /etc/cortex/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "cortex.yaml",
		"Path to YAML configuration file")
	return cmd
}
