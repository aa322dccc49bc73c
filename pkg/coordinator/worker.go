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

// maxClaimAttempts bounds the select-quota-check-update retry loop in
// handleClaim, which retries up to 10 times to mitigate races between
// selecting the oldest queued job and the conditional update that claims it.
const maxClaimAttempts = 10

type claimResponse struct {
	Job *jobResponse `json:"job"`
}

// handleClaim is the atomic claim primitive's HTTP surface: peek the oldest
// queued job, re-check its owner's quota *before* committing a transition,
// and only then perform the conditional update — retrying against the
// next-oldest candidate (excluding ones already rejected this request) up
// to a bounded number of times if quota rejects a candidate or a concurrent
// worker wins the race on the same job.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if aerr := s.authenticateWorker(r); aerr != nil {
		writeError(w, aerr)
		return
	}
	workerID := r.Header.Get("X-Worker-Id")
	if workerID == "" {
		workerID = "worker"
	}

	rejected := make(map[uuid.UUID]bool)
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		job, aerr := s.tryClaim(ctx, workerID, rejected)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		if job == nil {
			writeJSON(w, http.StatusOK, claimResponse{Job: nil})
			return
		}
		if job.claimed {
			resp := toJobResponse(job.job)
			writeJSON(w, http.StatusOK, claimResponse{Job: &resp})
			return
		}
		rejected[job.job.ID] = true
	}
	writeJSON(w, http.StatusOK, claimResponse{Job: nil})
}

type claimAttempt struct {
	job     *types.Job
	claimed bool
}

// tryClaim performs one round of the quota-aware claim protocol: peek the
// oldest queued job not already in rejected, check its owner's quota, and
// only commit the conditional update if the quota check passes. Returns
// (nil, nil) when there is no queued candidate left to try.
func (s *Server) tryClaim(ctx context.Context, workerID string, rejected map[uuid.UUID]bool) (*claimAttempt, *apierr.Error) {
	candidate, err := s.store.PeekNextQueued(ctx, rejected)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "peek next queued job", err)
	}
	if candidate == nil {
		return nil, nil
	}

	consumer, err := s.store.GetConsumer(ctx, candidate.ConsumerID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "look up job owner", err)
	}
	if !consumer.Active {
		metrics.QuotaRejectionsTotal.WithLabelValues("inactive").Inc()
		return &claimAttempt{job: candidate, claimed: false}, nil
	}

	running, err := s.store.CountRunning(ctx, consumer.ID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "count running jobs", err)
	}
	if running >= consumer.MaxConcurrentJobs {
		metrics.QuotaRejectionsTotal.WithLabelValues("max_concurrent").Inc()
		return &claimAttempt{job: candidate, claimed: false}, nil
	}

	claimed, err := s.store.ClaimJob(ctx, candidate.ID, workerID, time.Now().UTC())
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "claim job", err)
	}
	if claimed == nil {
		// Lost a race with another worker (or another coordinator replica)
		// between the peek and the conditional update; retry excluding it.
		return &claimAttempt{job: candidate, claimed: false}, nil
	}
	metrics.ClaimDuration.Observe(claimed.StartedAt.Sub(claimed.CreatedAt).Seconds())

	metrics.JobsTotal.WithLabelValues("running").Inc()
	return &claimAttempt{job: claimed, claimed: true}, nil
}

type appendLogsRequest struct {
	Chunks []appendLogChunk `json:"chunks"`
}

type appendLogChunk struct {
	Seq    int    `json:"seq"`
	Ts     string `json:"ts"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// handleAppendLogs assigns dense sequence numbers to a worker's batch of
// log chunks starting from the job's current counter; the seq field on each
// incoming chunk is advisory only and ignored, matching spec.md's append
// contract. A terminal job makes this a no-op success.
func (s *Server) handleAppendLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if aerr := s.authenticateWorker(r); aerr != nil {
		writeError(w, aerr)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.KindNotFound, "job not found"))
		return
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apierr.New(apierr.KindNotFound, "job not found"))
			return
		}
		writeError(w, apierr.Wrap(apierr.KindInternal, "get job", err))
		return
	}

	var req appendLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "malformed JSON body"))
		return
	}

	if job.Status.Terminal() {
		writeJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}

	chunks := make([]types.JobLogChunk, len(req.Chunks))
	for i, c := range req.Chunks {
		ts, err := time.Parse(time.RFC3339Nano, c.Ts)
		if err != nil {
			ts = time.Now().UTC()
		}
		chunks[i] = types.JobLogChunk{
			JobID:  id,
			Ts:     ts,
			Stream: truncateStreamOrDefault(c.Stream),
			Text:   truncateText(c.Text, s.cfg.MaxLogChars),
		}
		metrics.LogChunksAppended.WithLabelValues(string(chunks[i].Stream)).Inc()
	}

	if err := s.store.AppendLogChunks(ctx, id, chunks); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "append log chunks", err))
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func truncateStreamOrDefault(s string) types.LogStream {
	switch types.LogStream(s) {
	case types.StreamStdout, types.StreamStderr, types.StreamSystem:
		return types.LogStream(s)
	default:
		return types.StreamSystem
	}
}

const truncationMarker = "[truncated]"

// truncateText bounds text to maxChars, appending the inline truncation
// marker exactly once at the tail when it cuts anything off.
func truncateText(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "\n" + truncationMarker + "\n"
}

type okResponse struct {
	OK bool `json:"ok"`
}

type finishJobRequest struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code"`
	Error    string `json:"error"`
}

// handleFinish writes terminal status, exit code, and error for a job.
// Idempotent: calling it again with the same terminal status is a no-op,
// per the store's FinishJob contract.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if aerr := s.authenticateWorker(r); aerr != nil {
		writeError(w, aerr)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.New(apierr.KindNotFound, "job not found"))
		return
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, apierr.New(apierr.KindNotFound, "job not found"))
			return
		}
		writeError(w, apierr.Wrap(apierr.KindInternal, "get job", err))
		return
	}

	var req finishJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "malformed JSON body"))
		return
	}

	status := types.JobStatus(req.Status)
	if !status.Terminal() {
		writeError(w, apierr.New(apierr.KindValidation, "status must be a terminal status"))
		return
	}

	finishedAt := time.Now().UTC()
	if err := s.store.FinishJob(ctx, id, status, req.ExitCode, req.Error, finishedAt); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "finish job", err))
		return
	}

	if !job.Status.Terminal() {
		metrics.JobsTotal.WithLabelValues(string(status)).Inc()
		if job.StartedAt != nil {
			metrics.JobDuration.WithLabelValues(string(job.Sandbox)).Observe(finishedAt.Sub(*job.StartedAt).Seconds())
		}
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
