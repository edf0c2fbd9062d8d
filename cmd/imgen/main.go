package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rodan32/imgen/cmd/imgen/commands"
	"github.com/rodan32/imgen/logger"
)

var rootCmd = &cobra.Command{
	Use:   "imgen",
	Short: "imgen - GPU fleet orchestrator for diffusion workers",
	Long: `imgen - Orchestration tier between clients and a fleet of GPU
diffusion workers.

imgen routes generation requests across the fleet, builds per-request job
graphs from templates, drives each job to completion, and streams progress
events back to client sessions.

Available commands:
  serve    - Start the orchestrator server
  fleet    - Inspect the configured worker fleet
  version  - Show version information

Examples:
  imgen serve                  # Start with config discovery
  imgen serve --config my.toml # Start with an explicit config file
  imgen fleet ls               # List configured workers`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (TOML)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.FleetCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
