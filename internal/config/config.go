package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envLogLevel = "CONTINUITY_LOG_LEVEL"

	envDBHost     = "CONTINUITY_DB_HOST"
	envDBPort     = "CONTINUITY_DB_PORT"
	envDBUser     = "CONTINUITY_DB_USER"
	envDBPassword = "CONTINUITY_DB_PASSWORD"

	envDataDir     = "CONTINUITY_DATA_DIR"
	envBackupDir   = "CONTINUITY_BACKUP_DIR"
	envArchiveDir  = "CONTINUITY_ARCHIVE_DIR"
	envSnapshotDir = "CONTINUITY_SNAPSHOT_DIR"
	envSafetyDir   = "CONTINUITY_SAFETY_DIR"
	envLockDir     = "CONTINUITY_LOCK_DIR"
	envOplogPath   = "CONTINUITY_OPLOG_PATH"

	envRetentionDays = "CONTINUITY_RETENTION_DAYS"
	envBackupTimeout = "CONTINUITY_BACKUP_TIMEOUT"
	envReplayTimeout = "CONTINUITY_REPLAY_TIMEOUT"
	envLockWait      = "CONTINUITY_LOCK_WAIT"

	envEngineContainer   = "CONTINUITY_ENGINE_CONTAINER"
	envDependentServices = "CONTINUITY_DEPENDENT_SERVICES"
	envDockerHost        = "CONTINUITY_DOCKER_HOST"

	envS3Bucket    = "CONTINUITY_S3_BUCKET"
	envS3Region    = "CONTINUITY_S3_REGION"
	envS3Prefix    = "CONTINUITY_S3_PREFIX"
	envS3AccessKey = "CONTINUITY_S3_ACCESS_KEY"
	envS3SecretKey = "CONTINUITY_S3_SECRET_KEY"

	envSlackWebhookURL = "CONTINUITY_SLACK_WEBHOOK_URL"
)

const (
	defaultDBHost        = "localhost"
	defaultDBPort        = 5432
	defaultDBUser        = "postgres"
	defaultDataDir       = "/var/lib/postgresql/data"
	defaultBackupDir     = "/var/backups/continuity/dumps"
	defaultArchiveDir    = "/var/backups/continuity/wal"
	defaultSnapshotDir   = "/var/backups/continuity/base"
	defaultSafetyDir     = "/var/backups/continuity/safety"
	defaultLockDir       = "/var/run/continuity"
	defaultOplogPath     = "/var/backups/continuity/operations.log"
	defaultRetentionDays = 30
	defaultBackupTimeout = 30 * time.Minute
	defaultReplayTimeout = 30 * time.Minute
	defaultLockWait      = 10 * time.Second
	defaultEngine        = "postgres"
)

// DB describes how to reach the database engine and its tooling.
type DB struct {
	Host     string
	Port     int
	User     string
	Password string
}

// S3 holds optional remote object storage settings. A config with an
// empty bucket disables remote shipping entirely.
type S3 struct {
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
}

// Config is the runtime configuration for every continuity command.
// All values come from the environment (with a .env fallback); nothing
// here is derived from command arguments.
type Config struct {
	LogLevel string

	DB DB

	DataDir     string
	BackupDir   string
	ArchiveDir  string
	SnapshotDir string
	SafetyDir   string
	LockDir     string
	OplogPath   string

	RetentionDays int
	BackupTimeout time.Duration
	ReplayTimeout time.Duration
	LockWait      time.Duration

	// EngineContainer is the container running the database engine.
	// DependentServices are stopped before the engine during a restore
	// and restarted afterwards, in the listed order.
	EngineContainer   string
	DependentServices []string
	DockerHost        string

	S3              S3
	SlackWebhookURL string
}

// Load reads configuration from environment variables and a local .env
// file if present. Existing environment variables take precedence over
// values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel: "info",
		DB: DB{
			Host: defaultDBHost,
			Port: defaultDBPort,
			User: defaultDBUser,
		},
		DataDir:         defaultDataDir,
		BackupDir:       defaultBackupDir,
		ArchiveDir:      defaultArchiveDir,
		SnapshotDir:     defaultSnapshotDir,
		SafetyDir:       defaultSafetyDir,
		LockDir:         defaultLockDir,
		OplogPath:       defaultOplogPath,
		RetentionDays:   defaultRetentionDays,
		BackupTimeout:   defaultBackupTimeout,
		ReplayTimeout:   defaultReplayTimeout,
		LockWait:        defaultLockWait,
		EngineContainer: defaultEngine,
	}

	if value, ok := lookupTrimmed(envLogLevel); ok {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envDBHost); ok {
		cfg.DB.Host = value
	}
	if value, ok := lookupTrimmed(envDBPort); ok {
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid %s: %q", envDBPort, value)
		}
		cfg.DB.Port = port
	}
	if value, ok := lookupTrimmed(envDBUser); ok {
		cfg.DB.User = value
	}
	if value, ok := os.LookupEnv(envDBPassword); ok {
		cfg.DB.Password = value
	}

	for _, binding := range []struct {
		env    string
		target *string
	}{
		{envDataDir, &cfg.DataDir},
		{envBackupDir, &cfg.BackupDir},
		{envArchiveDir, &cfg.ArchiveDir},
		{envSnapshotDir, &cfg.SnapshotDir},
		{envSafetyDir, &cfg.SafetyDir},
		{envLockDir, &cfg.LockDir},
		{envOplogPath, &cfg.OplogPath},
		{envEngineContainer, &cfg.EngineContainer},
		{envDockerHost, &cfg.DockerHost},
		{envS3Bucket, &cfg.S3.Bucket},
		{envS3Region, &cfg.S3.Region},
		{envS3Prefix, &cfg.S3.Prefix},
		{envS3AccessKey, &cfg.S3.AccessKey},
		{envS3SecretKey, &cfg.S3.SecretKey},
		{envSlackWebhookURL, &cfg.SlackWebhookURL},
	} {
		if value, ok := lookupTrimmed(binding.env); ok {
			*binding.target = value
		}
	}

	if value, ok := lookupTrimmed(envRetentionDays); ok {
		days, err := strconv.Atoi(value)
		if err != nil || days <= 0 {
			return Config{}, fmt.Errorf("%s must be a positive integer, got %q", envRetentionDays, value)
		}
		cfg.RetentionDays = days
	}

	for _, binding := range []struct {
		env    string
		target *time.Duration
	}{
		{envBackupTimeout, &cfg.BackupTimeout},
		{envReplayTimeout, &cfg.ReplayTimeout},
		{envLockWait, &cfg.LockWait},
	} {
		if value, ok := lookupTrimmed(binding.env); ok {
			d, err := time.ParseDuration(value)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", binding.env, err)
			}
			if d <= 0 {
				return Config{}, fmt.Errorf("%s must be greater than zero", binding.env)
			}
			*binding.target = d
		}
	}

	if value, ok := lookupTrimmed(envDependentServices); ok {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				cfg.DependentServices = append(cfg.DependentServices, name)
			}
		}
	}

	if cfg.S3.Bucket != "" && cfg.S3.Region == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", envS3Region, envS3Bucket)
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}
