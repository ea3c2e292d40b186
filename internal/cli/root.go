// Package cli maps the continuity command surface onto the underlying
// subsystems. Every command exits 0 on success and non-zero on any
// failure.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oplift/continuity/internal/config"
	"github.com/oplift/continuity/internal/lock"
	"github.com/oplift/continuity/internal/logging"
	"github.com/oplift/continuity/internal/notify"
	"github.com/oplift/continuity/internal/oplog"
	"github.com/oplift/continuity/internal/postgres"
	"github.com/oplift/continuity/internal/proc"
	"github.com/oplift/continuity/internal/runtime"
	"github.com/oplift/continuity/internal/wal"
)

// App carries the loaded configuration and shared subsystem handles for
// one command invocation.
type App struct {
	cfg    config.Config
	logger zerolog.Logger
}

// New builds the continuity root command.
func New() *cobra.Command {
	app := &App{}

	root := &cobra.Command{
		Use:   "continuity",
		Short: "database continuity and rollout orchestrator",
		Long: `continuity manages PostgreSQL backups, continuous WAL archiving,
base snapshots, point-in-time restore, rolling deployments, and
post-deployment verification for a container-based platform.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app.cfg = cfg
			app.logger = logging.New(cfg.LogLevel)
			return nil
		},
	}

	root.AddCommand(
		app.backupCommand(),
		app.archiveCommand(),
		app.restoreCommand(),
		app.rolloutCommand(),
		app.verifyCommand(),
	)
	return root
}

func (a *App) driver() postgres.Driver {
	return postgres.NewToolDriver(a.cfg.DB, proc.ExecRunner{})
}

func (a *App) locks() *lock.Manager {
	return lock.NewManager(a.cfg.LockDir, a.cfg.LockWait, a.logger)
}

func (a *App) oplog() *oplog.Log {
	return oplog.New(a.cfg.OplogPath)
}

func (a *App) archiver() *wal.Archiver {
	return wal.NewArchiver(a.driver(), a.cfg.ArchiveDir, a.logger)
}

func (a *App) dockerClient() (runtime.Client, error) {
	return runtime.NewDockerClient(a.cfg.DockerHost)
}

func (a *App) notifier() notify.Notifier {
	return notify.NewSlackNotifier(a.logger, a.cfg.SlackWebhookURL)
}
