package rollout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/oplift/continuity/internal/health"
	"github.com/oplift/continuity/internal/runtime"
)

type fakeDocker struct {
	ops []string

	pullErr   error
	startErr  error
	removeErr map[string]error
	renameErr error
	running   bool
	runErr    error
}

func (f *fakeDocker) Ping(context.Context) error { return nil }

func (f *fakeDocker) PullImage(_ context.Context, ref string) error {
	f.ops = append(f.ops, "pull:"+ref)
	return f.pullErr
}

func (f *fakeDocker) StartNew(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	f.ops = append(f.ops, "startnew:"+spec.Name)
	if f.startErr != nil {
		return "", f.startErr
	}
	return "cid-" + spec.Name, nil
}

func (f *fakeDocker) Start(_ context.Context, name string) error {
	f.ops = append(f.ops, "start:"+name)
	return nil
}

func (f *fakeDocker) Stop(_ context.Context, name string, _ time.Duration) error {
	f.ops = append(f.ops, "stop:"+name)
	return nil
}

func (f *fakeDocker) Remove(_ context.Context, name string, _ bool) error {
	f.ops = append(f.ops, "remove:"+name)
	return f.removeErr[name]
}

func (f *fakeDocker) Rename(_ context.Context, name, newName string) error {
	f.ops = append(f.ops, "rename:"+name+">"+newName)
	return f.renameErr
}

func (f *fakeDocker) Running(_ context.Context, name string) (bool, error) {
	f.ops = append(f.ops, "running:"+name)
	return f.running, f.runErr
}

func (f *fakeDocker) Close() error { return nil }

type fakeChecker struct {
	results map[string]health.Result
	calls   []string
}

func (f *fakeChecker) Check(_ context.Context, service, endpoint string, _, _ time.Duration) health.Result {
	f.calls = append(f.calls, service)
	if result, ok := f.results[service]; ok {
		result.Service = service
		result.Endpoint = endpoint
		return result
	}
	return health.Result{Service: service, Endpoint: endpoint, Status: health.StatusHealthy, Attempts: 1}
}

func testController(docker *fakeDocker, checker *fakeChecker) *Controller {
	c := NewController(docker, checker, zerolog.Nop())
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func TestRunUpdatesHealthyService(t *testing.T) {
	docker := &fakeDocker{}
	checker := &fakeChecker{}
	c := testController(docker, checker)

	summary := c.Run(context.Background(), Plan{Services: []Service{{
		Name:             "api",
		Image:            "registry.local/api:v2",
		HealthEndpoint:   "http://127.0.0.1:8080/healthz",
		ReadinessTimeout: time.Minute,
		CheckInterval:    time.Second,
	}}})

	if summary.Failed() {
		t.Fatalf("rollout should succeed: %+v", summary.Results)
	}
	if got := summary.Results[0].Outcome; got != OutcomeUpdated {
		t.Fatalf("expected updated, got %s", got)
	}

	want := []string{
		"pull:registry.local/api:v2",
		"startnew:api-next",
		"stop:api",
		"remove:api",
		"rename:api-next>api",
	}
	if fmt.Sprint(docker.ops) != fmt.Sprint(want) {
		t.Fatalf("unexpected op order: %v", docker.ops)
	}
}

func TestRunRollsBackWhenGateFails(t *testing.T) {
	docker := &fakeDocker{}
	checker := &fakeChecker{results: map[string]health.Result{
		"api": {Status: health.StatusTimeout, Attempts: 12},
	}}
	c := testController(docker, checker)

	summary := c.Run(context.Background(), Plan{Services: []Service{{
		Name:             "api",
		Image:            "registry.local/api:v2",
		HealthEndpoint:   "http://127.0.0.1:8080/healthz",
		ReadinessTimeout: time.Minute,
		CheckInterval:    time.Second,
	}}})

	result := summary.Results[0]
	if result.Outcome != OutcomeRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, ErrHealthCheckTimeout) {
		t.Fatalf("expected ErrHealthCheckTimeout, got %v", result.Err)
	}

	// The replacement is discarded; the old instance is never touched.
	want := []string{
		"pull:registry.local/api:v2",
		"startnew:api-next",
		"stop:api-next",
		"remove:api-next",
	}
	if fmt.Sprint(docker.ops) != fmt.Sprint(want) {
		t.Fatalf("unexpected op order: %v", docker.ops)
	}
}

func TestRunRestartsOldInstanceWhenRemoveFails(t *testing.T) {
	docker := &fakeDocker{removeErr: map[string]error{
		"api": errors.New("device or resource busy"),
	}}
	c := testController(docker, &fakeChecker{})

	summary := c.Run(context.Background(), Plan{Services: []Service{{
		Name:             "api",
		Image:            "registry.local/api:v2",
		HealthEndpoint:   "http://127.0.0.1:8080/healthz",
		ReadinessTimeout: time.Minute,
		CheckInterval:    time.Second,
	}}})

	result := summary.Results[0]
	if result.Outcome != OutcomeRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.Outcome)
	}
	if result.Err == nil {
		t.Fatal("expected cutover error")
	}

	// The stopped old instance comes back before the replacement is
	// torn down; the service is never left without a running instance.
	want := []string{
		"pull:registry.local/api:v2",
		"startnew:api-next",
		"stop:api",
		"remove:api",
		"start:api",
		"stop:api-next",
		"remove:api-next",
	}
	if fmt.Sprint(docker.ops) != fmt.Sprint(want) {
		t.Fatalf("unexpected op order: %v", docker.ops)
	}
}

func TestRunKeepsReplacementWhenRenameFails(t *testing.T) {
	docker := &fakeDocker{renameErr: errors.New("name already in use")}
	c := testController(docker, &fakeChecker{})

	summary := c.Run(context.Background(), Plan{Services: []Service{{
		Name:             "api",
		Image:            "registry.local/api:v2",
		HealthEndpoint:   "http://127.0.0.1:8080/healthz",
		ReadinessTimeout: time.Minute,
		CheckInterval:    time.Second,
	}}})

	result := summary.Results[0]
	if result.Outcome != OutcomeUpdated {
		t.Fatalf("replacement took over, expected updated, got %s", result.Outcome)
	}
	if result.Err == nil {
		t.Fatal("expected rename error in result")
	}
	if !summary.Failed() {
		t.Fatal("a cutover needing manual follow-up must report failure")
	}

	// The old instance is already gone, so the gated replacement is the
	// only instance left and must not be discarded.
	for _, op := range docker.ops {
		if op == "stop:api-next" || op == "remove:api-next" {
			t.Fatalf("healthy replacement must keep running: %v", docker.ops)
		}
	}
}

func TestRunContinuesPastFailedService(t *testing.T) {
	docker := &fakeDocker{}
	checker := &fakeChecker{results: map[string]health.Result{
		"api": {Status: health.StatusUnhealthy, Attempts: 5},
	}}
	c := testController(docker, checker)

	summary := c.Run(context.Background(), Plan{Services: []Service{
		{Name: "api", Image: "api:v2", HealthEndpoint: "http://127.0.0.1:8080/healthz", ReadinessTimeout: time.Minute, CheckInterval: time.Second},
		{Name: "web", Image: "web:v2", HealthEndpoint: "http://127.0.0.1:3000/healthz", ReadinessTimeout: time.Minute, CheckInterval: time.Second},
	}})

	if len(summary.Results) != 2 {
		t.Fatalf("expected both services processed, got %d", len(summary.Results))
	}
	if summary.Results[0].Outcome != OutcomeRolledBack {
		t.Fatalf("api should roll back, got %s", summary.Results[0].Outcome)
	}
	if summary.Results[1].Outcome != OutcomeUpdated {
		t.Fatalf("web should update, got %s", summary.Results[1].Outcome)
	}
	if !summary.Failed() {
		t.Fatal("summary with a rolled-back service must report failure")
	}
	if fmt.Sprint(checker.calls) != fmt.Sprint([]string{"api", "web"}) {
		t.Fatalf("unexpected check order: %v", checker.calls)
	}
}

func TestSettleGate(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		want    Outcome
	}{
		{name: "still running after settle", running: true, want: OutcomeUpdated},
		{name: "exited during settle", running: false, want: OutcomeRolledBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docker := &fakeDocker{running: tt.running}
			c := testController(docker, &fakeChecker{})

			summary := c.Run(context.Background(), Plan{Services: []Service{{
				Name:       "web",
				Image:      "web:v2",
				SettleTime: 5 * time.Second,
			}}})

			result := summary.Results[0]
			if result.Outcome != tt.want {
				t.Fatalf("expected %s, got %s (err=%v)", tt.want, result.Outcome, result.Err)
			}
			if !tt.running && !errors.Is(result.Err, ErrHealthCheckTimeout) {
				t.Fatalf("expected ErrHealthCheckTimeout, got %v", result.Err)
			}
		})
	}
}

func TestRunRollsBackWhenPullFails(t *testing.T) {
	docker := &fakeDocker{pullErr: errors.New("manifest unknown")}
	c := testController(docker, &fakeChecker{})

	summary := c.Run(context.Background(), Plan{Services: []Service{{
		Name: "api", Image: "api:v2",
	}}})

	result := summary.Results[0]
	if result.Outcome != OutcomeRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.Outcome)
	}
	// No replacement was ever created, so nothing is torn down.
	if fmt.Sprint(docker.ops) != fmt.Sprint([]string{"pull:api:v2"}) {
		t.Fatalf("unexpected ops: %v", docker.ops)
	}
}

func TestRunHonorsCancellationBeforeCutover(t *testing.T) {
	docker := &fakeDocker{running: true}
	c := testController(docker, &fakeChecker{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := c.Run(ctx, Plan{Services: []Service{{
		Name: "web", Image: "web:v2", SettleTime: time.Second,
	}}})

	result := summary.Results[0]
	if result.Outcome != OutcomeRolledBack {
		t.Fatalf("expected rolled_back, got %s", result.Outcome)
	}
	for _, op := range docker.ops {
		if op == "stop:web" || op == "remove:web" {
			t.Fatalf("old instance must not be touched after cancellation: %v", docker.ops)
		}
	}
}
