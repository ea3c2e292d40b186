package verify

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oplift/continuity/internal/config"
)

// FileConfig is the YAML surface of a verification run. Every section
// is optional; an absent section contributes no checks.
type FileConfig struct {
	Containers []string `yaml:"containers"`
	Endpoints  []struct {
		Service  string          `yaml:"service"`
		URL      string          `yaml:"url"`
		Timeout  config.Duration `yaml:"timeout"`
		Interval config.Duration `yaml:"interval"`
	} `yaml:"endpoints"`
	Disks []struct {
		Path           string  `yaml:"path"`
		MaxUsedPercent float64 `yaml:"max_used_percent"`
	} `yaml:"disks"`
	Certificates []struct {
		Path        string `yaml:"path"`
		MinDaysLeft int    `yaml:"min_days_left"`
	} `yaml:"certificates"`
	BackupMaxAge config.Duration `yaml:"backup_max_age"`
	WALMaxAge    config.Duration `yaml:"wal_max_age"`
}

const (
	defaultEndpointTimeout  = 30 * time.Second
	defaultEndpointInterval = 2 * time.Second
	defaultDiskThreshold    = 85.0
	defaultCertMinDays      = 14
	defaultBackupMaxAge     = 26 * time.Hour
	defaultWALMaxAge        = time.Hour
)

// LoadFileConfig reads a verification config; a missing file yields the
// zero config so `verify` still runs the checks that need no file.
func LoadFileConfig(path string) (FileConfig, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("read verify config: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse verify config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *FileConfig) applyDefaults() {
	for i := range c.Endpoints {
		if c.Endpoints[i].Timeout <= 0 {
			c.Endpoints[i].Timeout = config.Duration(defaultEndpointTimeout)
		}
		if c.Endpoints[i].Interval <= 0 {
			c.Endpoints[i].Interval = config.Duration(defaultEndpointInterval)
		}
	}
	for i := range c.Disks {
		if c.Disks[i].MaxUsedPercent <= 0 {
			c.Disks[i].MaxUsedPercent = defaultDiskThreshold
		}
	}
	for i := range c.Certificates {
		if c.Certificates[i].MinDaysLeft <= 0 {
			c.Certificates[i].MinDaysLeft = defaultCertMinDays
		}
	}
	if c.BackupMaxAge <= 0 {
		c.BackupMaxAge = config.Duration(defaultBackupMaxAge)
	}
	if c.WALMaxAge <= 0 {
		c.WALMaxAge = config.Duration(defaultWALMaxAge)
	}
}
