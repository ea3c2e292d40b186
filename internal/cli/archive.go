package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oplift/continuity/internal/snapshot"
)

func (a *App) archiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "manage WAL archiving and base snapshots",
	}

	configure := &cobra.Command{
		Use:   "configure",
		Short: "switch the engine to continuous WAL archiving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own binary path: %w", err)
			}
			return a.archiver().Configure(cmd.Context(), self)
		},
	}

	// copy is the engine-facing half of archiving: postgres invokes it
	// as archive_command with the segment path and name, so its exit
	// code decides whether the engine considers the segment archived.
	copyCmd := &cobra.Command{
		Use:    "copy <segment-path> <segment-name>",
		Short:  "archive one WAL segment (invoked by the engine)",
		Hidden: true,
		Args:   cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return a.archiver().CopySegment(args[0], args[1])
		},
	}

	var prune int
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "take a base snapshot of the engine's data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			taker := snapshot.NewTaker(
				a.driver(), a.locks(), a.oplog(), a.logger,
				a.cfg.SnapshotDir, a.cfg.BackupTimeout,
			)
			snap, err := taker.Take(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tlsn %s\t%d bytes\n", snap.ID, snap.LSN, snap.Size)

			if prune > 0 {
				catalog := snapshot.NewCatalog(a.cfg.SnapshotDir, a.logger)
				pruned, err := catalog.Prune(prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d snapshot(s)\n", len(pruned))
			}
			return nil
		},
	}
	snapshotCmd.Flags().IntVar(&prune, "prune", 0, "after snapshotting, keep only the newest N snapshots")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list base snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog := snapshot.NewCatalog(a.cfg.SnapshotDir, a.logger)
			snapshots, err := catalog.List()
			if err != nil {
				return err
			}
			for _, snap := range snapshots {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tlsn %s\n",
					snap.ID, snap.TakenAt.Format(time.RFC3339), snap.LSN)
			}
			return nil
		},
	}

	cmd.AddCommand(configure, copyCmd, snapshotCmd, listCmd)
	return cmd
}
