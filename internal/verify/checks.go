package verify

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oplift/continuity/internal/health"
	"github.com/oplift/continuity/internal/oplog"
	"github.com/oplift/continuity/internal/runtime"
	"github.com/oplift/continuity/internal/wal"
)

// ContainerCheck verifies an expected container is running.
type ContainerCheck struct {
	Docker    runtime.Client
	Container string
}

func (c ContainerCheck) Name() string { return "container:" + c.Container }

func (c ContainerCheck) Run(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name()}
	running, err := c.Docker.Running(ctx, c.Container)
	switch {
	case err != nil:
		result.Level = LevelFail
		result.Detail = fmt.Sprintf("inspect failed: %v", err)
	case !running:
		result.Level = LevelFail
		result.Detail = "not running"
	default:
		result.Level = LevelPass
		result.Detail = "running"
	}
	return result
}

// EndpointCheck verifies an HTTP readiness endpoint answers 2xx.
type EndpointCheck struct {
	Checker  health.Checker
	Service  string
	URL      string
	Timeout  time.Duration
	Interval time.Duration
}

func (c EndpointCheck) Name() string { return "endpoint:" + c.Service }

func (c EndpointCheck) Run(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name()}
	check := c.Checker.Check(ctx, c.Service, c.URL, c.Timeout, c.Interval)
	if check.Healthy() {
		result.Level = LevelPass
		result.Detail = fmt.Sprintf("healthy after %d attempt(s)", check.Attempts)
		return result
	}
	result.Level = LevelFail
	result.Detail = fmt.Sprintf("%s after %d attempt(s)", check.Status, check.Attempts)
	if check.LastErr != nil {
		result.Detail += ": " + check.LastErr.Error()
	}
	return result
}

// DiskCheck verifies the filesystem holding Path stays under the usage
// threshold. Usage within warnMargin points of the threshold warns.
type DiskCheck struct {
	Path           string
	MaxUsedPercent float64
}

const diskWarnMargin = 10.0

func (c DiskCheck) Name() string { return "disk:" + c.Path }

func (c DiskCheck) Run(context.Context) CheckResult {
	result := CheckResult{Name: c.Name()}

	var stat unix.Statfs_t
	if err := unix.Statfs(c.Path, &stat); err != nil {
		result.Level = LevelFail
		result.Detail = fmt.Sprintf("statfs failed: %v", err)
		return result
	}
	if stat.Blocks == 0 {
		result.Level = LevelFail
		result.Detail = "filesystem reports zero blocks"
		return result
	}

	used := 100 * float64(stat.Blocks-stat.Bavail) / float64(stat.Blocks)
	result.Detail = fmt.Sprintf("%.1f%% used (threshold %.0f%%)", used, c.MaxUsedPercent)
	switch {
	case used >= c.MaxUsedPercent:
		result.Level = LevelFail
	case used >= c.MaxUsedPercent-diskWarnMargin:
		result.Level = LevelWarn
	default:
		result.Level = LevelPass
	}
	return result
}

// TLSCheck verifies a PEM certificate exists and is not close to
// expiry.
type TLSCheck struct {
	Path        string
	MinDaysLeft int

	now func() time.Time
}

func (c TLSCheck) Name() string { return "tls:" + c.Path }

func (c TLSCheck) Run(context.Context) CheckResult {
	result := CheckResult{Name: c.Name()}
	nowFn := c.now
	if nowFn == nil {
		nowFn = time.Now
	}

	data, err := os.ReadFile(c.Path)
	if err != nil {
		result.Level = LevelFail
		result.Detail = fmt.Sprintf("read certificate: %v", err)
		return result
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		result.Level = LevelFail
		result.Detail = "no PEM certificate block"
		return result
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		result.Level = LevelFail
		result.Detail = fmt.Sprintf("parse certificate: %v", err)
		return result
	}

	now := nowFn()
	if now.After(cert.NotAfter) {
		result.Level = LevelFail
		result.Detail = fmt.Sprintf("expired %s", cert.NotAfter.Format(time.RFC3339))
		return result
	}
	daysLeft := int(cert.NotAfter.Sub(now).Hours() / 24)
	result.Detail = fmt.Sprintf("%d day(s) until expiry", daysLeft)
	if daysLeft < c.MinDaysLeft {
		result.Level = LevelWarn
		return result
	}
	result.Level = LevelPass
	return result
}

// BackupFreshnessCheck verifies the newest completed backup is recent
// enough, using the operation log as the source of truth.
type BackupFreshnessCheck struct {
	Oplog  *oplog.Log
	MaxAge time.Duration

	now func() time.Time
}

func (c BackupFreshnessCheck) Name() string { return "backup-freshness" }

func (c BackupFreshnessCheck) Run(context.Context) CheckResult {
	result := CheckResult{Name: c.Name()}
	nowFn := c.now
	if nowFn == nil {
		nowFn = time.Now
	}

	entry, ok, err := c.Oplog.Latest("backup")
	if err != nil {
		result.Level = LevelFail
		result.Detail = fmt.Sprintf("read operation log: %v", err)
		return result
	}
	if !ok {
		result.Level = LevelFail
		result.Detail = "no completed backup on record"
		return result
	}

	age := nowFn().Sub(entry.At)
	result.Detail = fmt.Sprintf("newest backup is %s old (limit %s)", age.Round(time.Minute), c.MaxAge)
	if age > c.MaxAge {
		result.Level = LevelFail
		return result
	}
	result.Level = LevelPass
	return result
}

// WALLivenessCheck verifies segments keep arriving in the archive. A
// quiet database produces a segment at least every
// archive_timeout, so a stale archive means archiving is broken.
type WALLivenessCheck struct {
	Archiver *wal.Archiver
	MaxAge   time.Duration

	now func() time.Time
}

func (c WALLivenessCheck) Name() string { return "wal-liveness" }

func (c WALLivenessCheck) Run(context.Context) CheckResult {
	result := CheckResult{Name: c.Name()}
	nowFn := c.now
	if nowFn == nil {
		nowFn = time.Now
	}

	segments, err := c.Archiver.Segments()
	if err != nil {
		result.Level = LevelFail
		result.Detail = fmt.Sprintf("read archive: %v", err)
		return result
	}
	if len(segments) == 0 {
		result.Level = LevelFail
		result.Detail = "archive is empty"
		return result
	}

	newest := segments[0].ArchivedAt
	for _, segment := range segments[1:] {
		if segment.ArchivedAt.After(newest) {
			newest = segment.ArchivedAt
		}
	}
	age := nowFn().Sub(newest)
	result.Detail = fmt.Sprintf("newest segment is %s old (limit %s)", age.Round(time.Second), c.MaxAge)
	if age > c.MaxAge {
		result.Level = LevelFail
		return result
	}
	result.Level = LevelPass
	return result
}
