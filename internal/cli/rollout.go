package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oplift/continuity/internal/health"
	"github.com/oplift/continuity/internal/notify"
	"github.com/oplift/continuity/internal/rollout"
)

const rolloutRequestTimeout = 10 * time.Second

func (a *App) rolloutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rollout <plan-file>",
		Short: "roll services to new images, one at a time, with rollback",
		Long: `Processes the plan sequentially: for each service a replacement
container is started alongside the running one, health-gated, and only
then swapped in. A replacement that never becomes ready is discarded
and the old container stays authoritative. One service rolling back
does not stop the rest of the plan.

The plan file is either a native plan or a Docker Compose file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := rollout.LoadPlan(args[0])
			if err != nil {
				return err
			}

			docker, err := a.dockerClient()
			if err != nil {
				return err
			}
			defer docker.Close()

			checker := health.NewVerifier(a.logger, rolloutRequestTimeout)
			controller := rollout.NewController(docker, checker, a.logger)
			summary := controller.Run(cmd.Context(), plan)

			event := notify.RolloutEvent(summary)
			if notifyErr := a.notifier().Notify(cmd.Context(), event); notifyErr != nil {
				a.logger.Warn().Err(notifyErr).Msg("rollout notification failed")
			}

			for _, result := range summary.Results {
				line := fmt.Sprintf("%s\t%s", result.Service, result.Outcome)
				if result.Err != nil {
					line += "\t" + result.Err.Error()
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			if summary.Failed() {
				return fmt.Errorf("rollout finished with failed services")
			}
			return nil
		},
	}
}
