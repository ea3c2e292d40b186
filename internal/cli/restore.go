package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oplift/continuity/internal/notify"
	"github.com/oplift/continuity/internal/restore"
	"github.com/oplift/continuity/internal/snapshot"
)

// timestampLayouts are the accepted forms of a restore target, tried in
// order.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func (a *App) restoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "restore the database engine from continuity artifacts",
	}

	var confirm string
	var pause bool
	pitr := &cobra.Command{
		Use:   "pitr <target-timestamp>",
		Short: "point-in-time restore to the given timestamp",
		Long: `Rebuilds the data directory from the newest base snapshot at or
before the target timestamp and replays archived WAL up to it.
Transactions committed after the target are lost. The live data
directory is copied aside before anything destructive happens.

This replaces the running database. It refuses to run unless --confirm
names the engine container being restored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if confirm != a.cfg.EngineContainer {
				return fmt.Errorf("refusing to restore: pass --confirm %s to acknowledge that %q will be replaced",
					a.cfg.EngineContainer, a.cfg.EngineContainer)
			}

			target, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}

			docker, err := a.dockerClient()
			if err != nil {
				return err
			}
			defer docker.Close()

			engine := restore.NewEngine(
				snapshot.NewCatalog(a.cfg.SnapshotDir, a.logger),
				a.archiver(), a.driver(), docker, a.locks(),
				a.oplog(), a.logger,
				a.cfg.DataDir, a.cfg.SafetyDir, a.cfg.EngineContainer,
				a.cfg.DependentServices, a.cfg.ReplayTimeout,
			)

			restoreTarget := restore.Target{Time: target}
			if pause {
				restoreTarget.Action = restore.ActionPause
			}

			report, err := engine.RestoreToTimestamp(cmd.Context(), restoreTarget)

			event := notify.RestoreEvent(target, report, err)
			if notifyErr := a.notifier().Notify(cmd.Context(), event); notifyErr != nil {
				a.logger.Warn().Err(notifyErr).Msg("restore notification failed")
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "restored to %s from %s in %s (safety copy: %s)\n",
				target.Format(time.RFC3339), report.Snapshot.ID,
				report.Elapsed.Round(time.Second), report.SafetyCopy)
			return nil
		},
	}
	pitr.Flags().StringVar(&confirm, "confirm", "", "name of the engine container being replaced (required)")
	pitr.Flags().BoolVar(&pause, "pause", false, "pause replay at the target instead of promoting")

	cmd.AddCommand(pitr)
	return cmd
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if target, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return target, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized target timestamp %q (want e.g. %q)",
		value, "2025-11-10 10:03:00")
}
