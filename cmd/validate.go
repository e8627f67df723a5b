package cmd

import (
	"repair-bench/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var validateFlags *experimentFlags

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an experiment without running it",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.GetLogger()

		exp, _, err := validateFlags.load(cmd.Flags())
		if err != nil {
			logger.WithField("config_file", validateFlags.configFile).WithError(err).Error("Configuration validation failed")
			return err
		}
		src, err := newTaskSource(exp.General, nil)
		if err != nil {
			logger.WithError(err).Error("Configuration validation failed")
			return err
		}
		entries, err := src.requests(cmd.Context(), exp, false)
		if err != nil {
			logger.WithError(err).Error("Configuration validation failed")
			return err
		}
		plan, err := planRuns(entries, exp.General.Runs)
		if err != nil {
			logger.WithError(err).Error("Configuration validation failed")
			return err
		}

		logger.WithFields(logrus.Fields{
			"config_file":   validateFlags.configFile,
			"entries":       len(entries),
			"planned_runs":  len(plan),
			"plan_checksum": planChecksum(plan),
		}).Info("Configuration is valid")
		return nil
	},
}

func init() {
	validateFlags = addExperimentFlags(validateCmd.Flags())
}
