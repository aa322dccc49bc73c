/*
Package worker implements the distbuild worker agent.

The worker package is the data plane of distbuild: a long-running,
single-job-at-a-time loop that claims queued jobs from the coordinator,
drives the sandbox executor, streams logs back in batches, and reports the
terminal status. Workers are stateless across jobs — restarting a worker
loses only whatever log lines were buffered but not yet flushed for the
job in flight, not the job's queue position or history.

# Architecture

	┌──────────────────────── WORKER PROCESS ─────────────────────┐
	│                                                               │
	│  ┌───────────────────────────────────────────────┐          │
	│  │                  Worker                        │          │
	│  │  - HTTP client to the coordinator               │          │
	│  │  - Claim loop (poll_interval when idle)         │          │
	│  │  - Buffered log flush (>=50 entries or job end) │          │
	│  └──────┬───────────────────────────┬─────────────┘          │
	│         │                           │                          │
	│  ┌──────▼───────┐           ┌──────▼───────────┐            │
	│  │ coordinator  │           │  pkg/executor     │            │
	│  │ HTTP API     │           │  (local|container) │            │
	│  └──────────────┘           └───────────────────┘            │
	└───────────────────────────────────────────────────────────────┘

# Loop

 1. POST /v1/worker/claim. On HTTP >= 500 or a network error, log and back
    off at least one second. On {job: null}, sleep poll_interval.
 2. On a claimed job: emit a single system log line ("claimed job <id> at
    <ts>"), then run the executor with the job's sandbox, command, timeout,
    and image.
 3. The executor's log sink buffers chunks and flushes via POST when the
    buffer reaches the threshold or the job ends. A flush failure
    terminates processing of the current job but not the worker loop.
 4. On an executor panic/error, emit a system log with the failure text.
 5. POST /v1/worker/jobs/{id}/finish with status=succeeded (no error and
    exit_code==0) or failed otherwise, plus exit_code and error.

The worker never retries a failed user command; it reports what happened
and moves on to the next claim.
*/
package worker
