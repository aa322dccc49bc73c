/*
Package storage provides bbolt-backed persistence for consumers, jobs, and
job log chunks.

# Architecture

Each entity lives in its own bucket, JSON-marshalled by id. Secondary index
buckets provide the lookups the Store contract requires beyond a plain
keyed get:

  - consumers_by_key_id, consumers_by_name: O(1) lookup by the fields that
    must collide-check on create and authenticate on every request.
  - jobs_queued_index: keyed by created_at ascending then job id, holding
    only currently-queued jobs. ClaimNextQueued reads the first entry with
    a cursor, which is the FIFO-oldest queued job, and removes the entry
    in the same transaction as the status transition.
  - jobs_by_consumer_created_at: keyed by consumer id then created_at
    descending then job id, so ListJobsByConsumer and the quota counters
    can scan newest-first without loading every job a consumer has ever
    submitted.

# Concurrency

bbolt allows exactly one writable transaction at a time; every write in
this package happens inside a single db.Update closure. ClaimNextQueued and
AppendLogChunks use that property directly: the read that decides whether
a mutation is legal (job still queued; job not yet terminal) and the write
that performs it happen under the same lock, so there is no window for a
second writer to observe stale state. This stands in for "conditional
UPDATE ... RETURNING" in a SQL store without needing one.

FinishJob and AppendLogChunks are idempotent by design: both check the
job's current status before writing, and treat a job already in (or past)
the target state as success rather than an error.
*/
package storage
