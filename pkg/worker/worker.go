package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/distbuild/pkg/executor"
	"github.com/cuemby/distbuild/pkg/log"
	"github.com/cuemby/distbuild/pkg/types"
)

// logFlushThreshold is the buffered-chunk count at which the worker flushes
// logs early, instead of waiting for the job to end. Spec requires >= 50.
const logFlushThreshold = 50

// minBackoff is the floor on how long the worker waits after a failed claim
// request, whether the failure was a 5xx response or a network error.
const minBackoff = time.Second

// Config holds the settings a Worker needs to talk to the coordinator and
// drive the executor.
type Config struct {
	ServerURL    string
	WorkerID     string
	WorkerToken  string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// Worker is the claim/run/report loop: a stateless, single-job-at-a-time
// agent. Restarting it loses only the in-flight job's unflushed log buffer.
type Worker struct {
	cfg      Config
	executor *executor.Executor
	http     *http.Client
	logger   zerolog.Logger

	stopCh chan struct{}
}

// New constructs a Worker bound to cfg and exec.
func New(cfg Config, exec *executor.Executor) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Worker{
		cfg:      cfg,
		executor: exec,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		logger:   log.WithWorkerID(cfg.WorkerID),
		stopCh:   make(chan struct{}),
	}
}

// Stop signals Run to exit after the current iteration.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Run drives the claim loop until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Str("server", w.cfg.ServerURL).Msg("starting worker")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.claim(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("claim request failed")
			sleepOrDone(ctx, w.stopCh, minBackoff)
			continue
		}
		if job == nil {
			sleepOrDone(ctx, w.stopCh, w.cfg.PollInterval)
			continue
		}

		w.runJob(ctx, job)
	}
}

func sleepOrDone(ctx context.Context, stopCh <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-stopCh:
	}
}

// wireJob mirrors the coordinator's jobResponse wire shape.
type wireJob struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Sandbox        string `json:"sandbox"`
	Image          string `json:"image"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type claimResponse struct {
	Job *wireJob `json:"job"`
}

// claim calls POST /v1/worker/claim. A non-2xx response or transport error
// is returned as an error so Run can back off; a body with job=null is
// reported as (nil, nil).
func (w *Worker) claim(ctx context.Context) (*wireJob, error) {
	req, err := w.newRequest(ctx, http.MethodPost, "/v1/worker/claim", nil)
	if err != nil {
		return nil, err
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			w.logger.Warn().Int("status", resp.StatusCode).Msg(
				"server error while claiming; common cause: coordinator missing worker shared token")
		}
		return nil, fmt.Errorf("claim failed: status=%d body=%s", resp.StatusCode, body)
	}

	var out claimResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	return out.Job, nil
}

// logEntry mirrors the coordinator's append-logs chunk wire shape. Seq is
// always sent as 0: the coordinator assigns the real sequence number and
// treats this field as advisory only.
type logEntry struct {
	Seq    int    `json:"seq"`
	Ts     string `json:"ts"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// logBuffer accumulates chunks for one job and flushes them over HTTP. Two
// executor pumps (stdout, stderr) call Append concurrently; a mutex
// serializes access to the underlying slice, matching spec.md's
// requirement that the on_log closure be safe for concurrent pump calls.
type logBuffer struct {
	mu      sync.Mutex
	entries []logEntry
	lastErr error

	flush func([]logEntry) error
}

func (b *logBuffer) Append(stream types.LogStream, text string) {
	b.mu.Lock()
	b.entries = append(b.entries, logEntry{
		Seq:    0,
		Ts:     time.Now().UTC().Format(time.RFC3339Nano),
		Stream: string(stream),
		Text:   text,
	})
	full := len(b.entries) >= logFlushThreshold
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush sends whatever is currently buffered and clears the buffer. Errors
// are recorded on the buffer so the caller can surface them once, after the
// job finishes, instead of on every call from inside the pump goroutines.
func (b *logBuffer) Flush() {
	b.mu.Lock()
	pending := b.entries
	b.entries = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if err := b.flush(pending); err != nil {
		b.recordErr(err)
	}
}

func (b *logBuffer) recordErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
}

func (b *logBuffer) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// runJob drives one claimed job to completion: emits the claim marker,
// runs the executor, flushes logs, and reports the terminal status. A
// flush failure aborts processing of this job — the buffered lines are
// lost, matching the at-least-once, not-exactly-once, log delivery
// contract — but does not crash the worker loop.
func (w *Worker) runJob(ctx context.Context, job *wireJob) {
	logger := w.logger.With().Str("job_id", job.ID).Logger()
	logger.Info().Msg("claimed job")

	buf := &logBuffer{flush: func(entries []logEntry) error {
		return w.appendLogs(ctx, job.ID, entries)
	}}

	claimedAt := time.Now().UTC().Format(time.RFC3339Nano)
	buf.Append(types.StreamSystem, fmt.Sprintf("claimed job %s at %s\n", job.ID, claimedAt))
	buf.Flush()

	req := executor.Request{
		Sandbox:        types.SandboxKind(job.Sandbox),
		Command:        job.Command,
		TimeoutSeconds: job.TimeoutSeconds,
		Image:          job.Image,
		Limits:         types.DefaultResourceLimits(),
	}

	var exitCode int
	var execErr string
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Sprintf("worker panic: %v", r)
				buf.Append(types.StreamSystem, execErr+"\n")
				exitCode = 1
			}
		}()
		exitCode = w.executor.Run(ctx, job.ID, req, buf.Append)
	}()
	buf.Flush()

	if err := buf.err(); err != nil {
		logger.Error().Err(err).Msg("log flush failed; abandoning job processing")
		return
	}

	status := types.JobFailed
	if execErr == "" && exitCode == 0 {
		status = types.JobSucceeded
	}

	if err := w.finish(ctx, job.ID, status, exitCode, execErr); err != nil {
		logger.Error().Err(err).Msg("finish request failed")
	}
}

func (w *Worker) appendLogs(ctx context.Context, jobID string, entries []logEntry) error {
	body, err := json.Marshal(struct {
		Chunks []logEntry `json:"chunks"`
	}{Chunks: entries})
	if err != nil {
		return fmt.Errorf("marshal log batch: %w", err)
	}

	req, err := w.newRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/worker/jobs/%s/logs", jobID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("append logs failed: status=%d body=%s", resp.StatusCode, b)
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, jobID string, status types.JobStatus, exitCode int, errMsg string) error {
	payload := struct {
		Status   string `json:"status"`
		ExitCode *int   `json:"exit_code"`
		Error    string `json:"error,omitempty"`
	}{Status: string(status), ExitCode: &exitCode, Error: errMsg}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal finish payload: %w", err)
	}

	req, err := w.newRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/worker/jobs/%s/finish", jobID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("finish request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("finish failed: status=%d body=%s", resp.StatusCode, b)
	}
	return nil
}

func (w *Worker) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.cfg.ServerURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Worker-Token", w.cfg.WorkerToken)
	req.Header.Set("X-Worker-Id", w.cfg.WorkerID)
	return req, nil
}
