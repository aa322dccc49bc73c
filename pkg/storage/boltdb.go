package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/distbuild/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketConsumers        = []byte("consumers")
	bucketConsumersByKeyID = []byte("consumers_by_key_id")
	bucketConsumersByName  = []byte("consumers_by_name")
	bucketJobs             = []byte("jobs")
	bucketJobsQueuedIndex  = []byte("jobs_queued_index")
	bucketJobsByConsumer   = []byte("jobs_by_consumer_created_at")
	bucketLogChunks        = []byte("log_chunks")
	bucketLogSeqCounters   = []byte("log_seq_counters")
)

// BoltStore implements Store using go.etcd.io/bbolt. Every write path that
// needs a conditional check-then-mutate (ClaimNextQueued, AppendLogChunks,
// FinishJob) performs that check inside a single db.Update closure; bbolt
// serializes all writers through one write transaction, so this is
// sufficient to satisfy the store's serializability contract without a
// SELECT-then-UPDATE race.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "distbuild.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConsumers,
			bucketConsumersByKeyID,
			bucketConsumersByName,
			bucketJobs,
			bucketJobsQueuedIndex,
			bucketJobsByConsumer,
			bucketLogChunks,
			bucketLogSeqCounters,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- key encoding helpers ---

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// descendingTimeKey produces a key fragment that sorts in descending
// chronological order under plain byte comparison.
func descendingTimeKey(nanos int64) []byte {
	return beUint64(^uint64(nanos))
}

func ascendingTimeKey(nanos int64) []byte {
	return beUint64(uint64(nanos))
}

func queuedIndexKey(createdAtNanos int64, id uuid.UUID) []byte {
	key := make([]byte, 0, 8+16)
	key = append(key, ascendingTimeKey(createdAtNanos)...)
	key = append(key, id[:]...)
	return key
}

func consumerIndexKey(consumerID uuid.UUID, createdAtNanos int64, id uuid.UUID) []byte {
	key := make([]byte, 0, 16+8+16)
	key = append(key, consumerID[:]...)
	key = append(key, descendingTimeKey(createdAtNanos)...)
	key = append(key, id[:]...)
	return key
}

func logChunkKey(jobID uuid.UUID, seq int) []byte {
	key := make([]byte, 0, 16+8)
	key = append(key, jobID[:]...)
	key = append(key, beUint64(uint64(seq))...)
	return key
}

// --- Consumer operations ---

func (s *BoltStore) CreateConsumer(_ context.Context, c *types.Consumer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byName := tx.Bucket(bucketConsumersByName)
		byKeyID := tx.Bucket(bucketConsumersByKeyID)

		if byName.Get([]byte(c.Name)) != nil {
			return fmt.Errorf("consumer name %q: %w", c.Name, ErrAlreadyExists)
		}
		if byKeyID.Get([]byte(c.KeyID)) != nil {
			return fmt.Errorf("consumer key_id %q: %w", c.KeyID, ErrAlreadyExists)
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		consumers := tx.Bucket(bucketConsumers)
		if err := consumers.Put(idKey(c.ID), data); err != nil {
			return err
		}
		if err := byName.Put([]byte(c.Name), idKey(c.ID)); err != nil {
			return err
		}
		return byKeyID.Put([]byte(c.KeyID), idKey(c.ID))
	})
}

func idKey(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func (s *BoltStore) getConsumerByID(tx *bolt.Tx, id uuid.UUID) (*types.Consumer, error) {
	data := tx.Bucket(bucketConsumers).Get(idKey(id))
	if data == nil {
		return nil, fmt.Errorf("consumer %s: %w", id, ErrNotFound)
	}
	var c types.Consumer
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetConsumer(_ context.Context, id uuid.UUID) (*types.Consumer, error) {
	var c *types.Consumer
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = s.getConsumerByID(tx, id)
		return err
	})
	return c, err
}

func (s *BoltStore) GetConsumerByKeyID(_ context.Context, keyID string) (*types.Consumer, error) {
	var c *types.Consumer
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketConsumersByKeyID).Get([]byte(keyID))
		if idBytes == nil {
			return fmt.Errorf("consumer key_id %q: %w", keyID, ErrNotFound)
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return err
		}
		c, err = s.getConsumerByID(tx, id)
		return err
	})
	return c, err
}

func (s *BoltStore) GetConsumerByName(_ context.Context, name string) (*types.Consumer, error) {
	var c *types.Consumer
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketConsumersByName).Get([]byte(name))
		if idBytes == nil {
			return fmt.Errorf("consumer name %q: %w", name, ErrNotFound)
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return err
		}
		c, err = s.getConsumerByID(tx, id)
		return err
	})
	return c, err
}

// UpdateConsumer persists c's mutable fields and keeps the key_id index in
// sync when rotate-key has changed KeyID, so a stale key_id no longer
// resolves to this consumer while the new one does.
func (s *BoltStore) UpdateConsumer(_ context.Context, c *types.Consumer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := s.getConsumerByID(tx, c.ID)
		if err != nil {
			return err
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConsumers).Put(idKey(c.ID), data); err != nil {
			return err
		}

		if existing.KeyID != c.KeyID {
			byKeyID := tx.Bucket(bucketConsumersByKeyID)
			if err := byKeyID.Delete([]byte(existing.KeyID)); err != nil {
				return err
			}
			if err := byKeyID.Put([]byte(c.KeyID), idKey(c.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Job operations ---

func (s *BoltStore) CreateJob(_ context.Context, job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobs).Put(idKey(job.ID), data); err != nil {
			return err
		}
		if job.Status == types.JobQueued {
			if err := tx.Bucket(bucketJobsQueuedIndex).Put(queuedIndexKey(job.CreatedAt.UnixNano(), job.ID), idKey(job.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketJobsByConsumer).Put(consumerIndexKey(job.ConsumerID, job.CreatedAt.UnixNano(), job.ID), idKey(job.ID))
	})
}

func (s *BoltStore) getJobByID(tx *bolt.Tx, id uuid.UUID) (*types.Job, error) {
	data := tx.Bucket(bucketJobs).Get(idKey(id))
	if data == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) GetJob(_ context.Context, id uuid.UUID) (*types.Job, error) {
	var job *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = s.getJobByID(tx, id)
		return err
	})
	return job, err
}

func (s *BoltStore) ListJobsByConsumer(_ context.Context, consumerID uuid.UUID, limit, offset int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobsByConsumer).Cursor()
		prefix := consumerID[:]

		skipped := 0
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(jobs) >= limit {
				break
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return err
			}
			job, err := s.getJobByID(tx, id)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) CountRunning(ctx context.Context, consumerID uuid.UUID) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobsByConsumer).Cursor()
		prefix := consumerID[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return err
			}
			job, err := s.getJobByID(tx, id)
			if err != nil {
				return err
			}
			if job.Status == types.JobRunning {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *BoltStore) CountCreatedSince(_ context.Context, consumerID uuid.UUID, since time.Time) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobsByConsumer).Cursor()
		prefix := consumerID[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return err
			}
			job, err := s.getJobByID(tx, id)
			if err != nil {
				return err
			}
			if job.CreatedAt.Before(since) {
				// Index is ordered descending by created_at; once we hit
				// an entry older than since, every subsequent entry is
				// also older.
				break
			}
			count++
		}
		return nil
	})
	return count, err
}

// ClaimNextQueued atomically transitions the oldest queued job to running.
func (s *BoltStore) ClaimNextQueued(_ context.Context, workerID string, now time.Time) (*types.Job, error) {
	var claimed *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		queued := tx.Bucket(bucketJobsQueuedIndex)
		c := queued.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}

		id, err := uuid.FromBytes(v)
		if err != nil {
			return err
		}

		job, err := s.getJobByID(tx, id)
		if err != nil {
			return err
		}
		if job.Status != types.JobQueued {
			// Index entry stale (shouldn't happen since we remove it on
			// every transition out of queued); drop it defensively.
			return queued.Delete(k)
		}

		job.Status = types.JobRunning
		job.StartedAt = &now
		job.WorkerID = workerID

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobs).Put(idKey(job.ID), data); err != nil {
			return err
		}
		if err := queued.Delete(k); err != nil {
			return err
		}

		claimed = job
		return nil
	})
	return claimed, err
}

// PeekNextQueued scans the queued index in FIFO order and returns the first
// job whose id is not excluded, without mutating anything.
func (s *BoltStore) PeekNextQueued(_ context.Context, exclude map[uuid.UUID]bool) (*types.Job, error) {
	var candidate *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobsQueuedIndex).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return err
			}
			if exclude[id] {
				continue
			}
			job, err := s.getJobByID(tx, id)
			if err != nil {
				return err
			}
			if job.Status != types.JobQueued {
				continue
			}
			candidate = job
			return nil
		}
		return nil
	})
	return candidate, err
}

// ClaimJob performs the conditional update half of the quota-aware claim
// protocol: transition id to running only if it is still queued.
func (s *BoltStore) ClaimJob(_ context.Context, id uuid.UUID, workerID string, now time.Time) (*types.Job, error) {
	var claimed *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobByID(tx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if job.Status != types.JobQueued {
			return nil
		}

		job.Status = types.JobRunning
		job.StartedAt = &now
		job.WorkerID = workerID

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobs).Put(idKey(job.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobsQueuedIndex).Delete(queuedIndexKey(job.CreatedAt.UnixNano(), job.ID)); err != nil {
			return err
		}

		claimed = job
		return nil
	})
	return claimed, err
}

func (s *BoltStore) NextLogSeq(_ context.Context, jobID uuid.UUID) (int, error) {
	seq := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLogSeqCounters).Get(idKey(jobID))
		if data != nil {
			seq = int(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return seq, err
}

func (s *BoltStore) AppendLogChunks(_ context.Context, jobID uuid.UUID, chunks []types.JobLogChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobByID(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			// Appends after a terminal write are a no-op success, except
			// within the finishing worker's own finishing transaction,
			// which calls AppendLogChunks before FinishJob.
			return nil
		}

		counters := tx.Bucket(bucketLogSeqCounters)
		chunkBucket := tx.Bucket(bucketLogChunks)

		next := 0
		if data := counters.Get(idKey(jobID)); data != nil {
			next = int(binary.BigEndian.Uint64(data))
		}

		for i := range chunks {
			chunks[i].Seq = next
			data, err := json.Marshal(chunks[i])
			if err != nil {
				return err
			}
			if err := chunkBucket.Put(logChunkKey(jobID, next), data); err != nil {
				return err
			}
			next++
		}

		return counters.Put(idKey(jobID), beUint64(uint64(next)))
	})
}

func (s *BoltStore) ListLogChunks(_ context.Context, jobID uuid.UUID, offsetSeq, limit int) ([]types.JobLogChunk, error) {
	var chunks []types.JobLogChunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogChunks).Cursor()
		start := logChunkKey(jobID, offsetSeq)
		prefix := jobID[:]
		for k, v := c.Seek(start); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if len(chunks) >= limit {
				break
			}
			var chunk types.JobLogChunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	return chunks, err
}

func (s *BoltStore) FinishJob(_ context.Context, id uuid.UUID, status types.JobStatus, exitCode *int, errMsg string, finishedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := s.getJobByID(tx, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			// Idempotent: repeated finish with the same status is a no-op.
			return nil
		}
		if job.Status == types.JobQueued {
			if err := tx.Bucket(bucketJobsQueuedIndex).Delete(queuedIndexKey(job.CreatedAt.UnixNano(), job.ID)); err != nil {
				return err
			}
		}

		job.Status = status
		job.FinishedAt = &finishedAt
		job.ExitCode = exitCode
		job.Error = errMsg

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put(idKey(job.ID), data)
	})
}

func (s *BoltStore) CountsByStatus(_ context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			counts[string(job.Status)]++
			return nil
		})
	})
	return counts, err
}
