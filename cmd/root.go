package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"repair-bench/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "repair-bench",
	Short:         "Experiment orchestration for program repair tools",
	Long:          "Runs repair, analysis and test tools against benchmark bugs in isolated containers and records every run.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			if err := logging.SetLogLevel(logLevel); err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
		}
		if logFormat != "" {
			if err := logging.SetFormat(logFormat); err != nil {
				return fmt.Errorf("invalid log format: %w", err)
			}
		}
		loadEnvironment()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Set log format (text, json, prefixed)")

	rootCmd.AddCommand(runCmd, planCmd, validateCmd, cleanCmd)
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

// loadEnvironment reads a .env file from the working directory, or failing
// that from the directory of the executable.
func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err != nil {
		execPath, err := os.Executable()
		if err != nil {
			return
		}
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err != nil {
			return
		}
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		return
	}
	logger.WithField("file", envFile).Debug("Loaded environment variables")
}
