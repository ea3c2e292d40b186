// Package rollout replaces running service containers one at a time,
// gated by readiness checks, with automatic rollback when a replacement
// never becomes healthy.
package rollout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oplift/continuity/internal/config"
)

const (
	defaultReadinessTimeout = 2 * time.Minute
	defaultCheckInterval    = 3 * time.Second
	defaultSettleTime       = 10 * time.Second
)

// Plan is an ordered list of services to roll. Order is significant:
// services are processed strictly sequentially to bound the blast
// radius of a bad release.
type Plan struct {
	Services []Service `yaml:"services"`
}

// Service describes one container to replace.
type Service struct {
	// Name is the running container's name; the replacement is started
	// as Name + "-next" and renamed into place on success.
	Name  string
	Image string

	// HealthEndpoint is the readiness URL polled on the replacement.
	// Empty means the service has no observable endpoint; the
	// controller waits SettleTime and then confirms the container is
	// still running.
	HealthEndpoint   string
	ReadinessTimeout time.Duration
	CheckInterval    time.Duration
	SettleTime       time.Duration

	Env   []string
	Ports map[string]string
}

// planFile is the YAML shape of a native plan.
type planFile struct {
	Services []struct {
		Name             string            `yaml:"name"`
		Image            string            `yaml:"image"`
		HealthEndpoint   string            `yaml:"health_endpoint"`
		ReadinessTimeout config.Duration   `yaml:"readiness_timeout"`
		CheckInterval    config.Duration   `yaml:"check_interval"`
		SettleTime       config.Duration   `yaml:"settle_time"`
		Env              []string          `yaml:"env"`
		Ports            map[string]string `yaml:"ports"`
	} `yaml:"services"`
}

// LoadPlan reads a deployment plan from path. A .yml/.yaml file is
// parsed as a native plan unless it looks like a compose file, in which
// case the compose projection applies.
func LoadPlan(path string) (Plan, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}

	if isComposeFile(filepath.Base(path), body) {
		return PlanFromCompose(body)
	}
	return ParsePlan(body)
}

// ParsePlan parses a native YAML plan and applies per-service defaults.
func ParsePlan(body []byte) (Plan, error) {
	var file planFile
	if err := yaml.Unmarshal(body, &file); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}

	plan := Plan{Services: make([]Service, 0, len(file.Services))}
	for _, svc := range file.Services {
		plan.Services = append(plan.Services, Service{
			Name:             svc.Name,
			Image:            svc.Image,
			HealthEndpoint:   svc.HealthEndpoint,
			ReadinessTimeout: svc.ReadinessTimeout.Std(),
			CheckInterval:    svc.CheckInterval.Std(),
			SettleTime:       svc.SettleTime.Std(),
			Env:              svc.Env,
			Ports:            svc.Ports,
		})
	}
	if err := plan.validate(); err != nil {
		return Plan{}, err
	}
	plan.applyDefaults()
	return plan, nil
}

func (p *Plan) validate() error {
	if len(p.Services) == 0 {
		return errors.New("plan has no services")
	}
	seen := make(map[string]bool, len(p.Services))
	for i, svc := range p.Services {
		if svc.Name == "" {
			return fmt.Errorf("service %d missing name", i)
		}
		if svc.Image == "" {
			return fmt.Errorf("service %q missing image", svc.Name)
		}
		if seen[svc.Name] {
			return fmt.Errorf("service %q listed twice", svc.Name)
		}
		seen[svc.Name] = true
	}
	return nil
}

func (p *Plan) applyDefaults() {
	for i := range p.Services {
		svc := &p.Services[i]
		if svc.ReadinessTimeout <= 0 {
			svc.ReadinessTimeout = defaultReadinessTimeout
		}
		if svc.CheckInterval <= 0 {
			svc.CheckInterval = defaultCheckInterval
		}
		if svc.SettleTime <= 0 {
			svc.SettleTime = defaultSettleTime
		}
	}
}

// isComposeFile distinguishes a compose file from a native plan. Native
// plans keep their services under a `services:` list; compose declares
// a `services:` mapping, so the filename convention is the cheap
// discriminator and the YAML shape is the fallback.
func isComposeFile(name string, body []byte) bool {
	switch name {
	case "compose.yml", "compose.yaml", "docker-compose.yml", "docker-compose.yaml":
		return true
	}

	var probe struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(body, &probe); err != nil {
		return false
	}
	return len(probe.Services) > 0
}
