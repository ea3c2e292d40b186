// Package health polls service readiness endpoints. It is shared by the
// rollout controller and the verification suite, which use different
// intervals and deadlines, so both are configured per call.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Status classifies the outcome of a readiness check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusTimeout   Status = "timeout"
)

// Result reports a finished readiness check.
type Result struct {
	Service  string
	Endpoint string
	Attempts int
	Status   Status
	Elapsed  time.Duration
	LastErr  error
}

// Healthy reports whether the check passed.
func (r Result) Healthy() bool {
	return r.Status == StatusHealthy
}

// Checker is the readiness contract consumed by the rollout controller
// and the verification suite.
type Checker interface {
	Check(ctx context.Context, service, endpoint string, timeout, interval time.Duration) Result
}

// Verifier polls an HTTP endpoint at a fixed interval until it answers
// 2xx or the deadline passes. No backoff: the deadlines involved are
// seconds to low minutes and a constant interval keeps timing
// predictable for the caller.
type Verifier struct {
	client *retryablehttp.Client
	logger zerolog.Logger
}

// NewVerifier builds a Verifier. Per-request retries are disabled; the
// polling loop owns all repetition.
func NewVerifier(logger zerolog.Logger, requestTimeout time.Duration) *Verifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: requestTimeout}

	return &Verifier{client: client, logger: logger}
}

// Check polls endpoint until success, deadline, or context cancellation.
func (v *Verifier) Check(ctx context.Context, service, endpoint string, timeout, interval time.Duration) Result {
	start := time.Now()
	result := Result{Service: service, Endpoint: endpoint}

	deadline := start.Add(timeout)
	sawResponse := false

	for {
		if err := ctx.Err(); err != nil {
			result.Status = exitStatus(sawResponse)
			result.LastErr = err
			result.Elapsed = time.Since(start)
			return result
		}

		result.Attempts++
		ok, responded, err := v.probe(ctx, endpoint)
		if ok {
			result.Status = StatusHealthy
			result.Elapsed = time.Since(start)
			return result
		}
		if responded {
			sawResponse = true
		}
		result.LastErr = err

		v.logger.Debug().
			Str("service", service).
			Str("endpoint", endpoint).
			Int("attempt", result.Attempts).
			Err(err).
			Msg("readiness probe failed")

		if time.Now().Add(interval).After(deadline) {
			result.Status = exitStatus(sawResponse)
			result.Elapsed = time.Since(start)
			return result
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Status = exitStatus(sawResponse)
			result.LastErr = ctx.Err()
			result.Elapsed = time.Since(start)
			return result
		case <-timer.C:
		}
	}
}

// exitStatus classifies an unsuccessful check: an endpoint that ever
// answered failed on its merits, one that never did timed out.
func exitStatus(sawResponse bool) Status {
	if sawResponse {
		return StatusUnhealthy
	}
	return StatusTimeout
}

// probe reports (passed, got-a-response, error).
func (v *Verifier) probe(ctx context.Context, endpoint string) (bool, bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, true, nil
	}
	return false, true, fmt.Errorf("endpoint returned %s", resp.Status)
}
