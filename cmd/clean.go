package cmd

import (
	"fmt"

	"repair-bench/internal/container"
	"repair-bench/internal/logging"

	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cleanAgree      bool
	cleanDockerHost string
)

var cleanCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Remove all containers and images created by repair-bench",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.GetLogger()

		docker, err := container.NewClient(cleanDockerHost)
		if err != nil {
			return err
		}
		defer docker.Close()

		cleaner := container.NewCleaner(docker)
		leftovers, err := cleaner.List(cmd.Context())
		if err != nil {
			return err
		}
		if leftovers.Empty() {
			logger.Info("Nothing to clean")
			return nil
		}

		logger.WithFields(logrus.Fields{
			"containers": len(leftovers.Containers),
			"images":     len(leftovers.Images),
		}).Info("Found repair-bench artifacts")

		if !cleanAgree {
			prompt := promptui.Prompt{
				Label:     "Proceed",
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				logger.Info("Exiting...")
				return nil
			}
		}

		if failed := cleaner.Remove(cmd.Context(), leftovers); failed > 0 {
			return fmt.Errorf("failed to remove %d artifacts", failed)
		}
		logger.Info("Clean finished")
		return nil
	},
}

func init() {
	cleanCmd.Flags().BoolVarP(&cleanAgree, "yes", "y", false, "Do not ask for confirmation")
	cleanCmd.Flags().StringVar(&cleanDockerHost, "docker-host", "", "Docker daemon address")
}
