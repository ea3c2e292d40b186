package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oplift/continuity/internal/health"
	"github.com/oplift/continuity/internal/verify"
)

const verifyRequestTimeout = 10 * time.Second

func (a *App) verifyCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "run the post-deployment verification suite",
		Long: `Runs every configured check: expected containers running, readiness
endpoints answering, disk usage under threshold, TLS certificates
present and not near expiry, newest backup fresh enough, and WAL
segments still arriving. The exit code fails only when a check fails;
warnings are reported but do not fail the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fileCfg, err := verify.LoadFileConfig(configPath)
			if err != nil {
				return err
			}

			docker, err := a.dockerClient()
			if err != nil {
				return err
			}
			defer docker.Close()

			checker := health.NewVerifier(a.logger, verifyRequestTimeout)

			var checks []verify.Check
			for _, container := range fileCfg.Containers {
				checks = append(checks, verify.ContainerCheck{Docker: docker, Container: container})
			}
			for _, endpoint := range fileCfg.Endpoints {
				checks = append(checks, verify.EndpointCheck{
					Checker:  checker,
					Service:  endpoint.Service,
					URL:      endpoint.URL,
					Timeout:  endpoint.Timeout.Std(),
					Interval: endpoint.Interval.Std(),
				})
			}
			for _, disk := range fileCfg.Disks {
				checks = append(checks, verify.DiskCheck{Path: disk.Path, MaxUsedPercent: disk.MaxUsedPercent})
			}
			for _, cert := range fileCfg.Certificates {
				checks = append(checks, verify.TLSCheck{Path: cert.Path, MinDaysLeft: cert.MinDaysLeft})
			}
			checks = append(checks,
				verify.BackupFreshnessCheck{Oplog: a.oplog(), MaxAge: fileCfg.BackupMaxAge.Std()},
				verify.WALLivenessCheck{Archiver: a.archiver(), MaxAge: fileCfg.WALMaxAge.Std()},
			)

			report := verify.NewSuite(a.logger, checks...).Run(cmd.Context())
			for _, result := range report.Results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", result.Level, result.Name, result.Detail)
			}

			passes, warns, fails := report.Counts()
			fmt.Fprintf(cmd.OutOrStdout(), "%d passed, %d warned, %d failed\n", passes, warns, fails)
			if report.Failed() {
				return fmt.Errorf("verification failed: %d check(s) failed", fails)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "verify.yml", "path to the verification config file")
	return cmd
}
