package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/distbuild/pkg/apierr"
	"github.com/cuemby/distbuild/pkg/metrics"
	"github.com/cuemby/distbuild/pkg/storage"
	"github.com/cuemby/distbuild/pkg/types"
)

const (
	minCommandLen = 1
	maxCommandLen = 20000
	minTimeout    = 1
	maxTimeout    = 86400

	defaultListLimit = 50
	maxListLimit     = 200

	defaultLogsLimit = 500
	maxLogsLimit     = 2000
)

type createJobRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Sandbox        string `json:"sandbox"`
	Image          string `json:"image"`
}

type jobResponse struct {
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

func toJobResponse(j *types.Job) jobResponse {
	return jobResponse{
		ID:             j.ID.String(),
		ConsumerID:     j.ConsumerID.String(),
		Status:         string(j.Status),
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		Sandbox:        string(j.Sandbox),
		Image:          j.Image,
		Command:        j.Command,
		TimeoutSeconds: j.TimeoutSeconds,
		WorkerID:       j.WorkerID,
		ExitCode:       j.ExitCode,
		Error:          j.Error,
	}
}

// handleCreateJob validates and enqueues a job owned by the authenticated
// consumer, rejecting over-quota submissions before they ever touch storage.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	consumer, aerr := s.authenticateConsumer(ctx, r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	if !consumer.Active {
		metrics.QuotaRejectionsTotal.WithLabelValues("inactive").Inc()
		writeError(w, apierr.New(apierr.KindForbidden, "consumer is inactive"))
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "malformed JSON body"))
		return
	}

	if len(req.Command) < minCommandLen || len(req.Command) > maxCommandLen {
		writeError(w, apierr.New(apierr.KindValidation, "command must be 1..20000 characters"))
		return
	}

	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = s.cfg.DefaultTimeoutSeconds
	}
	if req.TimeoutSeconds < minTimeout || req.TimeoutSeconds > maxTimeout {
		writeError(w, apierr.New(apierr.KindValidation, "timeout_seconds must be 1..86400"))
		return
	}

	sandbox := types.SandboxKind(req.Sandbox)
	if sandbox == "" {
		sandbox = types.SandboxLocal
	}
	switch sandbox {
	case types.SandboxLocal:
		if !s.cfg.AllowLocalSandbox {
			writeError(w, apierr.New(apierr.KindValidation, "local sandbox is disabled on this server"))
			return
		}
	case types.SandboxContainer:
		// always permitted; unusable backend surfaces as exit code 126.
	default:
		writeError(w, apierr.New(apierr.KindValidation, "sandbox must be local or container"))
		return
	}

	image := req.Image
	if image == "" && sandbox == types.SandboxContainer {
		image = s.cfg.ContainerDefaultImage
	}

	if aerr := s.checkSubmitQuota(ctx, consumer); aerr != nil {
		writeError(w, aerr)
		return
	}

	job := &types.Job{
		ID:             uuid.New(),
		ConsumerID:     consumer.ID,
		Status:         types.JobQueued,
		CreatedAt:      time.Now().UTC(),
		Sandbox:        sandbox,
		Image:          image,
		Command:        req.Command,
		TimeoutSeconds: req.TimeoutSeconds,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "create job", err))
		return
	}

	metrics.JobsTotal.WithLabelValues("queued").Inc()
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// checkSubmitQuota rejects a submission that would push the consumer over
// its concurrent or daily job limits, grounded on the original
// implementation's quota.py enforce_submit_quota.
func (s *Server) checkSubmitQuota(ctx context.Context, consumer *types.Consumer) *apierr.Error {
	running, err := s.store.CountRunning(ctx, consumer.ID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "count running jobs", err)
	}
	if running >= consumer.MaxConcurrentJobs {
		metrics.QuotaRejectionsTotal.WithLabelValues("max_concurrent").Inc()
		return apierr.New(apierr.KindQuota, "max_concurrent_jobs reached")
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	count, err := s.store.CountCreatedSince(ctx, consumer.ID, since)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "count jobs created since", err)
	}
	if count >= consumer.MaxJobsPerDay {
		metrics.QuotaRejectionsTotal.WithLabelValues("max_per_day").Inc()
		return apierr.New(apierr.KindQuota, "max_jobs_per_day reached")
	}
	return nil
}

// handleListJobs returns the caller's own jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	consumer, aerr := s.authenticateConsumer(ctx, r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	limit := clamp(queryInt(r, "limit", defaultListLimit), 1, maxListLimit)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.store.ListJobsByConsumer(ctx, consumer.ID, limit, offset)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "list jobs", err))
		return
	}

	out := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, struct {
		Limit  int           `json:"limit"`
		Offset int           `json:"offset"`
		Jobs   []jobResponse `json:"jobs"`
	}{Limit: limit, Offset: offset, Jobs: out})
}

// handleGetJob returns a single job, scoped to the caller.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	consumer, aerr := s.authenticateConsumer(ctx, r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.KindNotFound, "job not found"))
		return
	}

	job, err := s.lookupOwnedJob(ctx, id, consumer.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// lookupOwnedJob fetches a job and verifies it belongs to consumerID,
// returning a 404 apierr either way so callers can't distinguish "missing"
// from "not owned".
func (s *Server) lookupOwnedJob(ctx context.Context, id, consumerID uuid.UUID) (*types.Job, *apierr.Error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.New(apierr.KindNotFound, "job not found")
		}
		return nil, apierr.Wrap(apierr.KindInternal, "get job", err)
	}
	if job.ConsumerID != consumerID {
		return nil, apierr.New(apierr.KindNotFound, "job not found")
	}
	return job, nil
}

type logChunkResponse struct {
	Seq    int       `json:"seq"`
	Ts     time.Time `json:"ts"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
}

func toLogChunkResponse(c types.JobLogChunk) logChunkResponse {
	return logChunkResponse{Seq: c.Seq, Ts: c.Ts, Stream: string(c.Stream), Text: c.Text}
}

// handleGetLogs returns a page of log chunks with seq >= offset_seq.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	consumer, aerr := s.authenticateConsumer(ctx, r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.KindNotFound, "job not found"))
		return
	}
	if _, aerr := s.lookupOwnedJob(ctx, id, consumer.ID); aerr != nil {
		writeError(w, aerr)
		return
	}

	offsetSeq := queryInt(r, "offset_seq", 0)
	if offsetSeq < 0 {
		offsetSeq = 0
	}
	limit := clamp(queryInt(r, "limit", defaultLogsLimit), 1, maxLogsLimit)

	chunks, err := s.store.ListLogChunks(ctx, id, offsetSeq, limit)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "list log chunks", err))
		return
	}

	writeJSON(w, http.StatusOK, logsResponse(id, offsetSeq, chunks))
}

type logsResponseBody struct {
	JobID         string             `json:"job_id"`
	NextOffsetSeq int                `json:"next_offset_seq"`
	Chunks        []logChunkResponse `json:"chunks"`
}

func logsResponse(jobID uuid.UUID, offsetSeq int, chunks []types.JobLogChunk) logsResponseBody {
	out := make([]logChunkResponse, len(chunks))
	next := offsetSeq
	for i, c := range chunks {
		out[i] = toLogChunkResponse(c)
		if c.Seq+1 > next {
			next = c.Seq + 1
		}
	}
	return logsResponseBody{JobID: jobID.String(), NextOffsetSeq: next, Chunks: out}
}
