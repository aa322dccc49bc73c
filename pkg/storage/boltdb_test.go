package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/distbuild/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestConsumer(t *testing.T, store *BoltStore, maxConcurrent, maxPerDay int) *types.Consumer {
	t.Helper()
	c := &types.Consumer{
		ID:                uuid.New(),
		Name:              "consumer-" + uuid.NewString(),
		Active:            true,
		KeyID:             "kid_" + uuid.NewString(),
		KeySalt:           []byte("salt"),
		KeyDigest:         []byte("digest"),
		MaxConcurrentJobs: maxConcurrent,
		MaxJobsPerDay:     maxPerDay,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.CreateConsumer(context.Background(), c))
	return c
}

func newTestJob(consumerID uuid.UUID, createdAt time.Time) *types.Job {
	return &types.Job{
		ID:             uuid.New(),
		ConsumerID:     consumerID,
		Status:         types.JobQueued,
		CreatedAt:      createdAt,
		Sandbox:        types.SandboxLocal,
		Command:        "echo hi",
		TimeoutSeconds: 5,
	}
}

func TestCreateConsumer_DuplicateName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)

	dup := *c
	dup.ID = uuid.New()
	dup.KeyID = "kid_" + uuid.NewString()

	err := store.CreateConsumer(ctx, &dup)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateConsumer_DuplicateKeyID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)

	dup := *c
	dup.ID = uuid.New()
	dup.Name = "another-name"

	err := store.CreateConsumer(ctx, &dup)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetConsumerByKeyID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)

	got, err := store.GetConsumerByKeyID(ctx, c.KeyID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = store.GetConsumerByKeyID(ctx, "kid_nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNextQueued_FIFOOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 10, 100)

	base := time.Now().UTC()
	j1 := newTestJob(c.ID, base)
	j2 := newTestJob(c.ID, base.Add(time.Millisecond))
	j3 := newTestJob(c.ID, base.Add(2*time.Millisecond))

	for _, j := range []*types.Job{j2, j3, j1} {
		require.NoError(t, store.CreateJob(ctx, j))
	}

	claimed, err := store.ClaimNextQueued(ctx, "worker-1", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, j1.ID, claimed.ID)
	assert.Equal(t, types.JobRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.WorkerID)
	assert.NotNil(t, claimed.StartedAt)

	second, err := store.ClaimNextQueued(ctx, "worker-2", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, j2.ID, second.ID)
}

func TestClaimNextQueued_EmptyQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	claimed, err := store.ClaimNextQueued(ctx, "worker-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimNextQueued_AtMostOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 10, 100)
	job := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	type result struct {
		job *types.Job
		err error
	}
	results := make(chan result, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			j, err := store.ClaimNextQueued(ctx, uuid.NewString(), time.Now().UTC())
			results <- result{job: j, err: err}
		}(i)
	}

	claims := 0
	for i := 0; i < 8; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.job != nil {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
}

func TestAppendLogChunks_DenseSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)
	job := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	first, err := store.NextLogSeq(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, first)

	batch1 := []types.JobLogChunk{
		{JobID: job.ID, Ts: time.Now().UTC(), Stream: types.StreamStdout, Text: "out\n"},
		{JobID: job.ID, Ts: time.Now().UTC(), Stream: types.StreamStderr, Text: "err\n"},
	}
	require.NoError(t, store.AppendLogChunks(ctx, job.ID, batch1))

	next, err := store.NextLogSeq(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	batch2 := []types.JobLogChunk{
		{JobID: job.ID, Ts: time.Now().UTC(), Stream: types.StreamStdout, Text: "out2\n"},
	}
	require.NoError(t, store.AppendLogChunks(ctx, job.ID, batch2))

	chunks, err := store.ListLogChunks(ctx, job.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Seq)
	}
}

func TestAppendLogChunks_NoOpAfterTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)
	job := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	code := 0
	require.NoError(t, store.FinishJob(ctx, job.ID, types.JobSucceeded, &code, "", time.Now().UTC()))

	err := store.AppendLogChunks(ctx, job.ID, []types.JobLogChunk{
		{JobID: job.ID, Ts: time.Now().UTC(), Stream: types.StreamStdout, Text: "too late\n"},
	})
	require.NoError(t, err)

	chunks, err := store.ListLogChunks(ctx, job.ID, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestAppendLogChunks_EmptyBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)
	job := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	before, err := store.NextLogSeq(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, store.AppendLogChunks(ctx, job.ID, nil))

	after, err := store.NextLogSeq(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFinishJob_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)
	job := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	code := 0
	finishedAt := time.Now().UTC()
	require.NoError(t, store.FinishJob(ctx, job.ID, types.JobSucceeded, &code, "", finishedAt))

	otherCode := 1
	require.NoError(t, store.FinishJob(ctx, job.ID, types.JobFailed, &otherCode, "should be ignored", time.Now().UTC()))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, got.Status)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestCountRunning(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 5, 100)

	job := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	count, err := store.CountRunning(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = store.ClaimNextQueued(ctx, "worker-1", time.Now().UTC())
	require.NoError(t, err)

	count, err = store.CountRunning(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCountCreatedSince(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 5, 100)

	old := newTestJob(c.ID, time.Now().UTC().Add(-48*time.Hour))
	recent := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, old))
	require.NoError(t, store.CreateJob(ctx, recent))

	count, err := store.CountCreatedSince(ctx, c.ID, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListJobsByConsumer_NewestFirstAndPagination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 10, 100)

	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job := newTestJob(c.ID, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, store.CreateJob(ctx, job))
		ids = append(ids, job.ID)
	}

	page1, err := store.ListJobsByConsumer(ctx, c.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID)
	assert.Equal(t, ids[3], page1[1].ID)

	page2, err := store.ListJobsByConsumer(ctx, c.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)
	assert.Equal(t, ids[1], page2[1].ID)
}

func TestGetJob_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeekNextQueued_SkipsExcludedAndDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 10, 100)

	base := time.Now().UTC()
	j1 := newTestJob(c.ID, base)
	j2 := newTestJob(c.ID, base.Add(time.Millisecond))
	require.NoError(t, store.CreateJob(ctx, j1))
	require.NoError(t, store.CreateJob(ctx, j2))

	peeked, err := store.PeekNextQueued(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, j1.ID, peeked.ID)
	assert.Equal(t, types.JobQueued, peeked.Status, "peek must not mutate status")

	again, err := store.PeekNextQueued(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, j1.ID, again.ID, "peek is idempotent without a claim")

	excluded, err := store.PeekNextQueued(ctx, map[uuid.UUID]bool{j1.ID: true})
	require.NoError(t, err)
	require.NotNil(t, excluded)
	assert.Equal(t, j2.ID, excluded.ID)
}

func TestClaimJob_OnlyClaimsIfStillQueued(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 10, 100)
	job := newTestJob(c.ID, time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	claimed, err := store.ClaimJob(ctx, job.ID, "worker-1", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, types.JobRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.WorkerID)

	stillQueued, err := store.PeekNextQueued(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, stillQueued, "claimed job must leave the queued index")

	again, err := store.ClaimJob(ctx, job.ID, "worker-2", time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, again, "claiming an already-running job is a no-op, not an error")
}

func TestGetConsumerByName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)

	got, err := store.GetConsumerByName(ctx, c.Name)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = store.GetConsumerByName(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConsumer_RotatesKeyIDIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestConsumer(t, store, 1, 10)

	oldKeyID := c.KeyID
	c.KeyID = "kid_" + uuid.NewString()
	c.KeySalt = []byte("new-salt")
	c.KeyDigest = []byte("new-digest")
	require.NoError(t, store.UpdateConsumer(ctx, c))

	_, err := store.GetConsumerByKeyID(ctx, oldKeyID)
	assert.ErrorIs(t, err, ErrNotFound, "stale key_id must no longer resolve")

	got, err := store.GetConsumerByKeyID(ctx, c.KeyID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, []byte("new-digest"), got.KeyDigest)
}
