package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oplift/continuity/internal/backup"
	"github.com/oplift/continuity/internal/storage"
)

func (a *App) backupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "create, list, and expire logical database backups",
	}

	create := &cobra.Command{
		Use:   "create <database>",
		Short: "take a full logical dump of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := a.backupManager(cmd.Context())
			if err != nil {
				return err
			}
			record, err := manager.Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\texpires %s\n",
				record.Path, record.Size, record.ExpiresAt.Format(time.DateOnly))
			return nil
		},
	}

	enforce := &cobra.Command{
		Use:   "enforce-retention <days>",
		Short: "delete backups older than the retention window",
		Long: `Deletes backup artifacts older than the given number of days. The
newest backup of each database is always kept, regardless of age.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := strconv.Atoi(args[0])
			if err != nil || days <= 0 {
				return fmt.Errorf("days must be a positive integer, got %q", args[0])
			}
			manager, err := a.backupManager(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := manager.EnforceRetention(days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired backup(s)\n", len(deleted))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list backup artifacts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := a.backupManager(cmd.Context())
			if err != nil {
				return err
			}
			records, err := manager.ListRecords()
			if err != nil {
				return err
			}
			for _, record := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\n",
					record.Database, record.CreatedAt.Format(time.RFC3339), record.Size)
			}
			return nil
		},
	}

	cmd.AddCommand(create, enforce, list)
	return cmd
}

func (a *App) backupManager(ctx context.Context) (*backup.Manager, error) {
	var remote storage.RemoteStore
	if a.cfg.S3.Bucket != "" {
		store, err := storage.NewS3(ctx, a.cfg.S3)
		if err != nil {
			return nil, err
		}
		remote = store
	}
	return backup.NewManager(
		a.driver(), a.locks(), remote, a.oplog(), a.logger,
		a.cfg.BackupDir, a.cfg.RetentionDays, a.cfg.BackupTimeout,
	), nil
}
