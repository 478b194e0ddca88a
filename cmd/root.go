package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// CLI flags shared across subcommands
	logLevel     string // Log verbosity level
	manifestPath string // Path to the shard manifest (JSON or YAML)
	configPath   string // Optional runtime config bundle (YAML)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "confidential-ml-pipeline",
	Short: "Pipeline-parallel inference across attested compute stages",
}

// setupLogging applies the --log-level flag before any subcommand runs.
func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "", "Path to the shard manifest")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the runtime config bundle")

	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(orchestrateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
