// Package allocation talks to the external allocation authority that executes
// the net tier movement of a batch.
package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tierqueue-backend/internal/domain"
	"tierqueue-backend/internal/pkg/metrics"
	"tierqueue-backend/internal/pkg/retry"

	"github.com/rs/zerolog/log"
)

// Status values returned by the authority. Anything but StatusCompleted is a failure.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

const serviceLabel = "allocation-authority"

// ErrMalformedResponse is returned when the authority answers without a usable status.
// It is never retried.
var ErrMalformedResponse = errors.New("allocation: malformed authority response")

// Authority is what the batch processor needs from the allocation service.
type Authority interface {
	Dispatch(ctx context.Context, calc domain.TierCalculation) (*DispatchResult, error)
	Probe(ctx context.Context) bool
}

// DispatchResult is the authority's verdict on one batch.
type DispatchResult struct {
	Status    string  `json:"status"`
	Message   *string `json:"message,omitempty"`
	Reference *string `json:"transaction_id,omitempty"`
}

// Succeeded reports whether the authority executed the batch.
func (r *DispatchResult) Succeeded() bool {
	return r != nil && r.Status == StatusCompleted
}

// StatusError is a non-2xx answer from the authority.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("allocation: status %d body: %s", e.Code, e.Body)
}

type dispatchRequest struct {
	T1 json.Number `json:"T1"`
	T2 json.Number `json:"T2"`
	T3 json.Number `json:"T3"`
}

// HTTPClient is an Authority backed by the HTTP API.
// The client does not deduplicate: calling Dispatch twice dispatches twice.
type HTTPClient struct {
	URL          string
	HealthURL    string
	Timeout      time.Duration // per attempt
	ProbeTimeout time.Duration
	Retry        retry.Policy
	Client       *http.Client
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c.Client
}

// Dispatch posts the net tier split, retrying timeouts, transport errors and
// non-2xx answers with exponential backoff. The last error is returned once the
// attempts are exhausted.
func (c *HTTPClient) Dispatch(ctx context.Context, calc domain.TierCalculation) (*DispatchResult, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("allocation: ALLOCATION_AUTHORITY_URL is not set")
	}
	body, err := json.Marshal(dispatchRequest{
		T1: json.Number(calc.T1.String()),
		T2: json.Number(calc.T2.String()),
		T3: json.Number(calc.T3.String()),
	})
	if err != nil {
		return nil, err
	}

	policy := c.Retry
	hook := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("allocation: dispatch attempt failed, retrying")
		if hook != nil {
			hook(attempt, delay, err)
		}
	}

	var result *DispatchResult
	attempt := 0
	err = policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		res, err := c.dispatchOnce(ctx, body)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int("attempt", attempt).Str("status", result.Status).
		Str("t1", calc.T1.String()).Str("t2", calc.T2.String()).Str("t3", calc.T3.String()).
		Msg("allocation: batch dispatched")
	return result, nil
}

func (c *HTTPClient) dispatchOnce(ctx context.Context, body []byte) (*DispatchResult, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ExternalLatency.WithLabelValues(serviceLabel, outcome).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("allocation request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	metrics.ExternalLatency.WithLabelValues(serviceLabel, fmt.Sprintf("%d", resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("allocation read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var out DispatchResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	if out.Status == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: missing status, body: %s", ErrMalformedResponse, string(respBody)))
	}
	return &out, nil
}

// Probe checks the authority's liveness endpoint. Any failure is reported as false.
func (c *HTTPClient) Probe(ctx context.Context) bool {
	if c.HealthURL == "" {
		return false
	}
	timeout := c.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", c.HealthURL).Msg("allocation: health check failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
