package rollout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

// Labels recognized on compose services. Compose healthchecks are
// command-based and run inside the container, so the externally polled
// readiness URL is carried as a label.
const (
	labelHealthEndpoint = "continuity.health-endpoint"
	labelSettleTime     = "continuity.settle-time"
)

// PlanFromCompose projects a Docker Compose file into a deployment
// plan. Service order follows the sorted service names so repeated runs
// of the same file roll in the same order.
func PlanFromCompose(body []byte) (Plan, error) {
	if len(body) == 0 {
		return Plan{}, errors.New("compose body is empty")
	}

	details := types.ConfigDetails{
		WorkingDir: ".",
		ConfigFiles: []types.ConfigFile{
			{
				Filename: "compose.yml",
				Content:  body,
			},
		},
		Environment: types.Mapping{},
	}

	project, err := loader.LoadWithContext(context.Background(), details, func(opts *loader.Options) {
		opts.SetProjectName("continuity", false)
	})
	if err != nil {
		return Plan{}, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return Plan{}, errors.New("compose has no services")
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	var plan Plan
	for _, name := range names {
		service := project.Services[name]
		if service.Image == "" {
			return Plan{}, fmt.Errorf("service %q missing image", name)
		}

		svc := Service{
			Name:           name,
			Image:          service.Image,
			HealthEndpoint: service.Labels[labelHealthEndpoint],
			Env:            flattenEnvironment(service.Environment),
			Ports:          projectPorts(service.Ports),
		}
		if service.ContainerName != "" {
			svc.Name = service.ContainerName
		}

		if hc := service.HealthCheck; hc != nil && !hc.Disable {
			if hc.Interval != nil {
				svc.CheckInterval = time.Duration(*hc.Interval)
			}
			// Compose "timeout" bounds one probe, not the readiness
			// window; the window is how long the check is allowed to
			// keep failing.
			if hc.Retries != nil && svc.CheckInterval > 0 {
				svc.ReadinessTimeout = time.Duration(*hc.Retries) * svc.CheckInterval
			}
		}
		if raw, ok := service.Labels[labelSettleTime]; ok {
			settle, err := time.ParseDuration(raw)
			if err != nil {
				return Plan{}, fmt.Errorf("service %q label %s: %w", name, labelSettleTime, err)
			}
			svc.SettleTime = settle
		}

		plan.Services = append(plan.Services, svc)
	}

	if err := plan.validate(); err != nil {
		return Plan{}, err
	}
	plan.applyDefaults()
	return plan, nil
}

func flattenEnvironment(env types.MappingWithEquals) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	flat := make([]string, 0, len(keys))
	for _, key := range keys {
		if value := env[key]; value != nil {
			flat = append(flat, key+"="+*value)
		} else {
			flat = append(flat, key)
		}
	}
	return flat
}

func projectPorts(ports []types.ServicePortConfig) map[string]string {
	if len(ports) == 0 {
		return nil
	}
	mapping := make(map[string]string, len(ports))
	for _, port := range ports {
		if port.Published == "" {
			continue
		}
		mapping[port.Published] = strconv.Itoa(int(port.Target))
	}
	if len(mapping) == 0 {
		return nil
	}
	return mapping
}
