// Package client is a Go client for the engine's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/services"
)

// APIError is a non-2xx answer from the engine.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Field      string `json:"field,omitempty"`
	// Job is set when a cancel conflicts with a finished job.
	Job *Job `json:"job,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Is lets callers match API errors against the apperrors sentinels.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return target == apperrors.ErrValidation
	case http.StatusNotFound:
		return target == apperrors.ErrNotFound
	case http.StatusConflict:
		return target == apperrors.ErrConflict
	}
	return false
}

// Job is a job record as returned by the API.
type Job struct {
	domain.Job
	RuntimeSeconds *float64 `json:"runtime_seconds,omitempty"`
}

type JobList struct {
	Jobs    []*Job `json:"jobs"`
	Total   int64  `json:"total"`
	Page    int    `json:"page"`
	Size    int    `json:"size"`
	HasNext bool   `json:"has_next"`
}

type ListOptions struct {
	Page      int
	Size      int
	Status    string
	CreatedBy string
	SweepID   string
}

type CancelResult struct {
	Job              *Job   `json:"job"`
	AlreadyRequested bool   `json:"already_requested"`
	Message          string `json:"message"`
}

type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		dialer: websocket.DefaultDialer,
	}, nil
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send returns the response of a successful request; the caller closes it.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) Submit(ctx context.Context, req *services.SubmitRequest) (*services.SubmitResult, error) {
	var res services.SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", nil, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*JobList, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Size))
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.CreatedBy != "" {
		q.Set("created_by", opts.CreatedBy)
	}
	if opts.SweepID != "" {
		q.Set("sweep_id", opts.SweepID)
	}

	var list JobList
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", q, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) Stats(ctx context.Context) (*domain.JobStats, error) {
	var stats domain.JobStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) Logs(ctx context.Context, id string) (*services.JobLogs, error) {
	var logs services.JobLogs
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/logs", nil, nil, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

func (c *Client) GetSweep(ctx context.Context, id string) (*domain.Sweep, error) {
	var sweep domain.Sweep
	if err := c.do(ctx, http.MethodGet, "/api/v1/sweeps/"+url.PathEscape(id), nil, nil, &sweep); err != nil {
		return nil, err
	}
	return &sweep, nil
}

// Cancel uses DELETE /jobs/{id}. A conflict with a finished job returns the
// job inside the *APIError.
func (c *Client) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	var res CancelResult
	if err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DownloadResult copies the job's tar.gz archive to w.
func (c *Client) DownloadResult(ctx context.Context, id string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/result", nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// FollowLogs streams every log line of a job to fn until the job ends.
func (c *Client) FollowLogs(ctx context.Context, id string, fn func(domain.LogLine) error) error {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = c.base.Path + "/api/v1/jobs/" + url.PathEscape(id) + "/logs/stream"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			defer resp.Body.Close()
			apiErr := &APIError{StatusCode: resp.StatusCode}
			_ = json.NewDecoder(resp.Body).Decode(apiErr)
			return apiErr
		}
		return fmt.Errorf("open log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var line domain.LogLine
		if err := conn.ReadJSON(&line); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("log stream ended: %s", closeErr.Text)
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

// errNotFinished keeps Wait polling.
var errNotFinished = errors.New("job not finished")

// Wait polls the job until it reaches a terminal status or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onPoll func(*Job)) (*Job, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return backoff.Retry(ctx, func() (*Job, error) {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		if onPoll != nil {
			onPoll(job)
		}
		return nil, errNotFinished
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(0),
	)
}
