// Package client is a polling client for the job API of a ring service.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/ringforge/internal/domain"
	"github.com/timmy/ringforge/internal/logger"
)

// Backoff is the delay schedule between polls. Multiplier 1 is a fixed
// interval.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// FixedBackoff polls every d.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Initial: d, Max: d, Multiplier: 1}
}

// ExponentialBackoff doubles the delay from initial up to max.
func ExponentialBackoff(initial, max time.Duration) Backoff {
	return Backoff{Initial: initial, Max: max, Multiplier: 2}
}

// Next returns the delay after prev. A zero prev starts the schedule.
func (b Backoff) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(prev) * mult)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	return next
}

// Config holds configuration for Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Backoff Backoff
}

// Accepted is the reply of a submission.
type Accepted struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	StatusURL string           `json:"status_url"`
	ResultURL string           `json:"result_url"`
}

// Result is the status-shaped body of GET /jobs/:id/result.
type Result struct {
	Status      domain.JobStatus      `json:"status"`
	Progress    int                   `json:"progress"`
	Detail      string                `json:"detail"`
	Result      json.RawMessage       `json:"result"`
	Error       string                `json:"error"`
	ErrorKind   string                `json:"error_kind"`
	RetryLog    []domain.RetryAttempt `json:"retry_log"`
	CostSummary *domain.CostSummary   `json:"cost_summary"`
}

// Terminal reports whether polling can stop.
func (r *Result) Terminal() bool { return r.Status.IsTerminal() }

// Decode unmarshals the job result payload into v.
func (r *Result) Decode(v any) error {
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return fmt.Errorf("job %s has no result", r.Status)
	}
	return json.Unmarshal(r.Result, v)
}

// CancelOutcome separates a delivered cancel request from a cancelled job.
// Requested is true once the server answered; Honored only if the job was
// still queued.
type CancelOutcome struct {
	Requested bool
	Honored   bool
	Status    domain.JobStatus
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known statuses to the engine's sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return domain.ErrQueueFull
	case http.StatusNotFound:
		return domain.ErrJobNotFound
	case http.StatusConflict:
		return domain.ErrDuplicateJob
	case http.StatusGatewayTimeout:
		return domain.ErrTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.ErrInvalidInput
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

// Client talks to one service instance.
type Client struct {
	http    *resty.Client
	backoff Backoff
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = ExponentialBackoff(500*time.Millisecond, 10*time.Second)
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: c, backoff: cfg.Backoff}
}

// Submit posts payload to /jobs.
func (c *Client) Submit(ctx context.Context, payload any) (*Accepted, error) {
	var out Accepted
	if err := c.do(ctx, http.MethodPost, "/jobs", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the job view of id.
func (c *Client) Status(ctx context.Context, id string) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Result fetches the status-shaped result body of id once.
func (c *Client) Result(ctx context.Context, id string) (*Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id+"/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the server to cancel id. A 409 for a running job is not an
// error: the request was delivered but not honored.
func (c *Client) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	var body struct {
		Status        domain.JobStatus `json:"status"`
		CancelHonored bool             `json:"cancel_honored"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetError(&body).
		Delete("/jobs/" + id)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("cancel %s: %w", id, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return CancelOutcome{Requested: true, Honored: body.CancelHonored, Status: body.Status}, nil
	case http.StatusConflict:
		return CancelOutcome{Requested: true, Status: body.Status}, nil
	}
	return CancelOutcome{}, apiError(resp)
}

// Wait polls id until it is terminal or ctx is done. onProgress, when
// non-nil, sees every non-terminal poll.
// Parameters:
//   - ctx: bounds the whole wait; cancelling it stops polling, not the job.
//   - id: job id.
//   - onProgress: optional observer.
// Returns:
//   - *Result: the terminal body, or the last one seen when ctx ended.
//   - error: ctx.Err() or a request failure.
func (c *Client) Wait(ctx context.Context, id string, onProgress func(*Result)) (*Result, error) {
	var (
		last  *Result
		delay time.Duration
	)
	for {
		res, err := c.Result(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		last = res
		if res.Terminal() {
			return res, nil
		}
		if onProgress != nil {
			onProgress(res)
		}

		delay = c.backoff.Next(delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.CtxDebug(ctx, "Stopped polling job %s: %v", id, ctx.Err())
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}

// Run submits payload and waits for the terminal body.
func (c *Client) Run(ctx context.Context, payload any, onProgress func(*Result)) (*Result, error) {
	accepted, err := c.Submit(ctx, payload)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, accepted.JobID, onProgress)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&errorBody{})
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *resty.Response) error {
	msg := strings.TrimSpace(resp.String())
	if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
		msg = e.Error
	} else {
		var eb errorBody
		if json.Unmarshal(resp.Body(), &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg}
}
