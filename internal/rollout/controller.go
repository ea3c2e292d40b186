package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/oplift/continuity/internal/health"
	"github.com/oplift/continuity/internal/runtime"
)

// ErrHealthCheckTimeout means a replacement instance never became ready
// inside its readiness window and was discarded.
var ErrHealthCheckTimeout = errors.New("new instance never became ready")

const (
	nextSuffix  = "-next"
	stopTimeout = 30 * time.Second
)

// Outcome is a service's terminal rollout state.
type Outcome string

const (
	// OutcomeUpdated means the replacement passed its gate and took over.
	OutcomeUpdated Outcome = "updated"
	// OutcomeRolledBack means the replacement was discarded and the old
	// instance remains authoritative.
	OutcomeRolledBack Outcome = "rolled_back"
)

// ServiceResult is one service's rollout record.
type ServiceResult struct {
	Service string
	Image   string
	Outcome Outcome
	Health  health.Result
	Err     error
	Elapsed time.Duration
}

// Summary aggregates per-service results for a whole plan.
type Summary struct {
	Results []ServiceResult
	Elapsed time.Duration
}

// Failed reports whether any service did not update cleanly. A service
// whose replacement took over but needed manual follow-up still counts
// as a failure.
func (s Summary) Failed() bool {
	for _, r := range s.Results {
		if r.Outcome != OutcomeUpdated || r.Err != nil {
			return true
		}
	}
	return false
}

// Controller rolls services one at a time. Within a single service the
// old and new instance run concurrently for the readiness window; that
// is the only intentional concurrency, and it is bounded.
type Controller struct {
	docker  runtime.Client
	checker health.Checker
	logger  zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController wires a Controller.
func NewController(docker runtime.Client, checker health.Checker, logger zerolog.Logger) *Controller {
	return &Controller{
		docker:  docker,
		checker: checker,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Run processes the plan sequentially. One service failing its gate
// does not abort the rest of the plan; every service reaches a terminal
// outcome and the summary carries all of them.
func (c *Controller) Run(ctx context.Context, plan Plan) Summary {
	start := c.now()
	summary := Summary{Results: make([]ServiceResult, 0, len(plan.Services))}

	for _, svc := range plan.Services {
		result := c.rollService(ctx, svc)
		summary.Results = append(summary.Results, result)

		event := c.logger.Info()
		if result.Outcome != OutcomeUpdated {
			event = c.logger.Error().Err(result.Err)
		}
		event.
			Str("service", svc.Name).
			Str("image", svc.Image).
			Str("outcome", string(result.Outcome)).
			Dur("elapsed", result.Elapsed).
			Msg("service rollout finished")
	}

	summary.Elapsed = c.now().Sub(start)
	return summary
}

// rollService replaces one service: start the new instance alongside
// the old, gate it, and only then retire the old one. The old instance
// keeps serving until the cutover, so a failed gate never leaves the
// service without a healthy instance.
func (c *Controller) rollService(ctx context.Context, svc Service) ServiceResult {
	start := c.now()
	result := ServiceResult{Service: svc.Name, Image: svc.Image, Outcome: OutcomeRolledBack}
	finish := func() ServiceResult {
		result.Elapsed = c.now().Sub(start)
		return result
	}

	if err := c.docker.PullImage(ctx, svc.Image); err != nil {
		result.Err = fmt.Errorf("pull image: %w", err)
		return finish()
	}

	nextName := svc.Name + nextSuffix
	spec := runtime.ContainerSpec{
		Name:  nextName,
		Image: svc.Image,
		Env:   svc.Env,
		Ports: svc.Ports,
	}
	if _, err := c.docker.StartNew(ctx, spec); err != nil {
		result.Err = fmt.Errorf("start replacement: %w", err)
		return finish()
	}
	c.logger.Info().Str("service", svc.Name).Str("image", svc.Image).
		Msg("replacement instance started")

	if err := c.gate(ctx, svc, nextName, &result); err != nil {
		c.discard(ctx, nextName)
		result.Err = err
		return finish()
	}

	// Point of no return for this service: past here the old instance
	// goes away, so cancellation is honored now or not at all.
	if err := ctx.Err(); err != nil {
		c.discard(ctx, nextName)
		result.Err = err
		return finish()
	}

	tookOver, err := c.cutover(ctx, svc.Name, nextName)
	result.Err = err
	if tookOver {
		result.Outcome = OutcomeUpdated
	}
	return finish()
}

// gate decides whether the replacement may take over. Services with a
// readiness endpoint are polled; endpoint-less services wait out the
// settle time and must still be running afterwards.
func (c *Controller) gate(ctx context.Context, svc Service, nextName string, result *ServiceResult) error {
	if svc.HealthEndpoint != "" {
		check := c.checker.Check(ctx, svc.Name, svc.HealthEndpoint, svc.ReadinessTimeout, svc.CheckInterval)
		result.Health = check
		if !check.Healthy() {
			return fmt.Errorf("%w: %s after %d attempts", ErrHealthCheckTimeout, check.Status, check.Attempts)
		}
		return nil
	}

	if err := c.sleep(ctx, svc.SettleTime); err != nil {
		return err
	}
	running, err := c.docker.Running(ctx, nextName)
	if err != nil {
		return fmt.Errorf("inspect replacement: %w", err)
	}
	if !running {
		return fmt.Errorf("%w: exited during settle window", ErrHealthCheckTimeout)
	}
	return nil
}

// cutover retires the old instance and renames the replacement into its
// place. Cancellation was already honored at the checkpoint before the
// call; aborting mid-cutover would strand the service between
// instances, so the steps here ignore it. Whatever fails, the service
// must end with one instance running: a failure while the old instance
// still exists restarts it and discards the replacement; once the old
// instance is gone the gated replacement stays up and counts as having
// taken over.
func (c *Controller) cutover(ctx context.Context, name, nextName string) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	if err := c.docker.Stop(ctx, name, stopTimeout); err != nil {
		c.discard(ctx, nextName)
		return false, fmt.Errorf("stop old instance: %w", err)
	}
	if err := c.docker.Remove(ctx, name, false); err != nil {
		if startErr := c.docker.Start(ctx, name); startErr != nil {
			c.logger.Error().Err(startErr).Str("container", name).
				Msg("old instance did not restart after failed cutover")
		}
		c.discard(ctx, nextName)
		return false, fmt.Errorf("remove old instance: %w", err)
	}
	if err := c.docker.Rename(ctx, nextName, name); err != nil {
		c.logger.Warn().Err(err).Str("container", nextName).
			Msg("rename failed; replacement keeps serving under its interim name")
		return true, fmt.Errorf("rename replacement: %w", err)
	}
	return true, nil
}

// discard tears down a replacement that will not take over. Teardown
// still runs when the surrounding operation was canceled; a stray
// "-next" container would collide with the service's next rollout.
func (c *Controller) discard(ctx context.Context, nextName string) {
	ctx = context.WithoutCancel(ctx)
	if err := c.docker.Stop(ctx, nextName, stopTimeout); err != nil {
		c.logger.Warn().Err(err).Str("container", nextName).Msg("stopping discarded replacement failed")
	}
	if err := c.docker.Remove(ctx, nextName, true); err != nil {
		c.logger.Warn().Err(err).Str("container", nextName).Msg("removing discarded replacement failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
