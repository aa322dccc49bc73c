package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the settings a Client needs to reach the coordinator as a
// given consumer.
type Config struct {
	ServerURL             string
	ConsumerKey           string
	HTTPTimeout           time.Duration
	DefaultSandbox        string
	DefaultTimeoutSeconds int
	DefaultImage          string
}

// Client is a thin HTTP JSON client over the coordinator's consumer-facing
// surface (submit, list, get, fetch logs), grounded on the original
// implementation's DistBuildClient.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client, applying the same defaults as the original
// implementation's ClientConfig (sandbox=local, timeout=600s).
func New(cfg Config) *Client {
	if cfg.DefaultSandbox == "" {
		cfg.DefaultSandbox = "local"
	}
	if cfg.DefaultTimeoutSeconds == 0 {
		cfg.DefaultTimeoutSeconds = 600
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.HTTPTimeout}}
}

// APIError is returned for any non-2xx coordinator response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("distbuild: request failed: status=%d body=%s", e.StatusCode, e.Body)
}

// Job mirrors the coordinator's job JSON representation.
type Job struct {
	ID             string     `json:"id"`
	ConsumerID     string     `json:"consumer_id"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Sandbox        string     `json:"sandbox"`
	Image          string     `json:"image,omitempty"`
	Command        string     `json:"command"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	WorkerID       string     `json:"worker_id,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Terminal reports whether Status is one of succeeded/failed/cancelled.
func (j *Job) Terminal() bool {
	switch j.Status {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// LogChunk mirrors one entry of the coordinator's logs response.
type LogChunk struct {
	Seq    int       `json:"seq"`
	Ts     time.Time `json:"ts"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

// ListJobsResponse is the body of GET /v1/jobs.
type ListJobsResponse struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Jobs   []Job `json:"jobs"`
}

// LogsResponse is the body of GET /v1/jobs/{id}/logs.
type LogsResponse struct {
	JobID         string     `json:"job_id"`
	NextOffsetSeq int        `json:"next_offset_seq"`
	Chunks        []LogChunk `json:"chunks"`
}

// SubmitJobRequest is the payload for SubmitJob. Zero values for Sandbox,
// TimeoutSeconds, and Image fall back to the Client's configured defaults.
type SubmitJobRequest struct {
	Command        string
	Sandbox        string
	TimeoutSeconds int
	Image          string
}

// SubmitJob creates a new queued job. Zero-valued fields on req fall back
// to the Client's configured defaults.
func (c *Client) SubmitJob(ctx context.Context, req SubmitJobRequest) (*Job, error) {
	sandbox := req.Sandbox
	if sandbox == "" {
		sandbox = c.cfg.DefaultSandbox
	}
	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = c.cfg.DefaultTimeoutSeconds
	}
	image := req.Image
	if image == "" {
		image = c.cfg.DefaultImage
	}

	body := struct {
		Command        string `json:"command"`
		Sandbox        string `json:"sandbox"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Image          string `json:"image,omitempty"`
	}{Command: req.Command, Sandbox: sandbox, TimeoutSeconds: timeoutSeconds}
	if sandbox == "container" && image != "" {
		body.Image = image
	}

	var job Job
	if err := c.doJSON(ctx, http.MethodPost, "/v1/jobs", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmitMany submits each command as its own job, returning one Future per
// submission in the same order, mirroring submit_many.
func (c *Client) SubmitMany(ctx context.Context, commands []string, req SubmitJobRequest) ([]*Future, error) {
	futures := make([]*Future, 0, len(commands))
	for _, cmd := range commands {
		r := req
		r.Command = cmd
		job, err := c.SubmitJob(ctx, r)
		if err != nil {
			return nil, err
		}
		futures = append(futures, c.Future(job.ID))
	}
	return futures, nil
}

// GetJob fetches a single job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the caller's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit, offset int) (*ListJobsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out ListJobsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLogs fetches one page of log chunks starting at offsetSeq.
func (c *Client) GetLogs(ctx context.Context, jobID string, offsetSeq, limit int) (*LogsResponse, error) {
	q := url.Values{}
	q.Set("offset_seq", strconv.Itoa(offsetSeq))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out LogsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID+"/logs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Future returns a log-following handle for a submitted job.
func (c *Client) Future(jobID string) *Future {
	return &Future{client: c, jobID: jobID}
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Consumer-Key", c.cfg.ConsumerKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Future follows one job's logs and terminal status by polling.
type Future struct {
	client *Client
	jobID  string
	offset int
}

// IterLogs fetches the next page of not-yet-seen log chunks and advances
// the future's internal offset.
func (f *Future) IterLogs(ctx context.Context) ([]LogChunk, error) {
	page, err := f.client.GetLogs(ctx, f.jobID, f.offset, 500)
	if err != nil {
		return nil, err
	}
	f.offset = page.NextOffsetSeq
	return page.Chunks, nil
}

// WaitOptions configures Future.Wait.
type WaitOptions struct {
	PollInterval time.Duration
	OnLog        func(LogChunk)
}

// Wait polls until the job reaches a terminal status, optionally invoking
// OnLog for every new chunk observed along the way, then drains any
// remaining logs before returning. Emits a "still queued" hint through OnLog
// if the job hasn't started running within 5 seconds.
func (f *Future) Wait(ctx context.Context, opts WaitOptions) (*Job, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	start := time.Now()
	hinted := false

	for {
		if opts.OnLog != nil {
			chunks, err := f.IterLogs(ctx)
			if err != nil {
				return nil, err
			}
			for _, c := range chunks {
				opts.OnLog(c)
			}
		}

		job, err := f.client.GetJob(ctx, f.jobID)
		if err != nil {
			return nil, err
		}

		if job.Status == "queued" && !hinted && time.Since(start) > 5*time.Second {
			hinted = true
			if opts.OnLog != nil {
				opts.OnLog(LogChunk{Stream: "system", Text: "still queued; ensure a worker is running and the coordinator has a worker shared token set\n"})
			}
		}

		if job.Terminal() {
			if opts.OnLog != nil {
				for i := 0; i < 5; i++ {
					chunks, err := f.IterLogs(ctx)
					if err != nil {
						return job, nil
					}
					if len(chunks) == 0 {
						break
					}
					for _, c := range chunks {
						opts.OnLog(c)
					}
				}
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
