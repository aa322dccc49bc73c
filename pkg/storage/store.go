package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/distbuild/pkg/types"
	"github.com/google/uuid"
)

// Sentinel errors returned by Store methods. Callers use errors.Is to
// distinguish them from opaque persistence failures.
var (
	// ErrNotFound is returned when a lookup by id, key_id, or name finds
	// nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned by CreateConsumer when name or key_id
	// collides with an existing consumer.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Store is the durable, transactional persistence layer for consumers,
// jobs, and log chunks. Implementations must guarantee serializability for
// ClaimNextQueued and AppendLogChunks relative to any other operation
// touching the same job.
type Store interface {
	// CreateConsumer inserts a new consumer as given (the caller sets
	// Active). It returns
	// ErrAlreadyExists if name or keyID collides with an existing consumer.
	CreateConsumer(ctx context.Context, c *types.Consumer) error

	// GetConsumerByKeyID is an O(1) lookup by the public key_id.
	GetConsumerByKeyID(ctx context.Context, keyID string) (*types.Consumer, error)

	// GetConsumer looks up a consumer by its stable id.
	GetConsumer(ctx context.Context, id uuid.UUID) (*types.Consumer, error)

	// GetConsumerByName looks up a consumer by its unique display name,
	// used by the admin CLI's --name flag.
	GetConsumerByName(ctx context.Context, name string) (*types.Consumer, error)

	// UpdateConsumer persists mutable fields (active, quotas, credential
	// material) of an existing consumer.
	UpdateConsumer(ctx context.Context, c *types.Consumer) error

	// CreateJob inserts job as given; the caller sets Status (queued for a
	// new submission) and CreatedAt.
	CreateJob(ctx context.Context, job *types.Job) error

	// GetJob looks up a job by id, returning ErrNotFound if absent.
	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)

	// ListJobsByConsumer returns up to limit jobs owned by consumerID,
	// ordered by created_at descending, skipping the first offset.
	ListJobsByConsumer(ctx context.Context, consumerID uuid.UUID, limit, offset int) ([]*types.Job, error)

	// CountRunning returns the number of jobs owned by consumerID currently
	// in status=running.
	CountRunning(ctx context.Context, consumerID uuid.UUID) (int, error)

	// CountCreatedSince returns the number of jobs owned by consumerID with
	// created_at >= since.
	CountCreatedSince(ctx context.Context, consumerID uuid.UUID, since time.Time) (int, error)

	// ClaimNextQueued selects the oldest queued job (FIFO by created_at,
	// ties broken by id) and atomically transitions it to running, setting
	// started_at and worker_id, only if its status is still queued at the
	// moment of the conditional update. Returns nil, nil if no queued job
	// exists.
	ClaimNextQueued(ctx context.Context, workerID string, now time.Time) (*types.Job, error)

	// PeekNextQueued returns the oldest queued job whose id is not in
	// exclude, without mutating it. It is the read-only half of the
	// quota-aware claim protocol: the coordinator inspects the candidate's
	// owner and quota before deciding whether to commit a claim for it,
	// then calls ClaimJob to perform the conditional update — selecting a
	// candidate and committing to it are kept as two steps so a
	// quota-rejected candidate can be excluded and the next one tried
	// without ever mutating a job the coordinator decides not to claim.
	// Returns nil, nil if no such job exists.
	PeekNextQueued(ctx context.Context, exclude map[uuid.UUID]bool) (*types.Job, error)

	// ClaimJob atomically transitions job id to running, setting started_at
	// and workerID, only if it is still queued. Returns nil, nil (not an
	// error) if the job was no longer queued when the conditional update
	// ran — the caller lost a race with another claimant and should retry
	// against a different candidate.
	ClaimJob(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (*types.Job, error)

	// NextLogSeq returns max(seq)+1 for jobID, or 0 if no chunks exist yet.
	NextLogSeq(ctx context.Context, jobID uuid.UUID) (int, error)

	// AppendLogChunks inserts chunks in the order supplied, in a single
	// transaction, assigning each a dense, strictly increasing seq starting
	// from the job's current counter. It is a no-op success if the job is
	// already in a terminal status.
	AppendLogChunks(ctx context.Context, jobID uuid.UUID, chunks []types.JobLogChunk) error

	// ListLogChunks returns chunks with seq >= offsetSeq, ordered by seq,
	// up to limit entries.
	ListLogChunks(ctx context.Context, jobID uuid.UUID, offsetSeq, limit int) ([]types.JobLogChunk, error)

	// FinishJob writes terminal state. Idempotent on repeated calls with
	// the same status.
	FinishJob(ctx context.Context, id uuid.UUID, status types.JobStatus, exitCode *int, errMsg string, finishedAt time.Time) error

	// CountsByStatus returns the number of jobs in each status, for
	// periodic metrics sampling.
	CountsByStatus(ctx context.Context) (map[string]int, error)

	// Close releases the underlying database handle.
	Close() error
}
