package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs         = []byte("jobs")
	bucketBatches      = []byte("batches")
	bucketTasks        = []byte("tasks")
	bucketTaskAttempts = []byte("task_attempts")
	bucketTasksByJob   = []byte("tasks_by_job")
	bucketLeases       = []byte("leases")
	bucketQueue        = []byte("queue")
	bucketQueueIndex   = []byte("queue_index")
	bucketJobLocks     = []byte("job_locks")
	bucketRateBuckets  = []byte("rate_buckets")
	bucketCheckpoints  = []byte("checkpoints")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "skyfill.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketBatches,
			bucketTasks,
			bucketTaskAttempts,
			bucketTasksByJob,
			bucketLeases,
			bucketQueue,
			bucketQueueIndex,
			bucketJobLocks,
			bucketRateBuckets,
			bucketCheckpoints,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// SetClock overrides the store clock. Tests use this to drive lease expiry
// deterministically.
func (s *BoltStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s: %w", job.ID, ErrAlreadyExists)
		}
		job.Version = 1
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketJobs), id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob writes the job back conditionally on its version. The caller's
// copy gets the incremented version on success.
func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.updateJobTx(tx, job)
	})
}

func (s *BoltStore) updateJobTx(tx *bolt.Tx, job *types.Job) error {
	b := tx.Bucket(bucketJobs)
	var stored types.Job
	if err := getJSON(b, job.ID, &stored); err != nil {
		return err
	}
	if stored.Version != job.Version {
		return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	job.Version++
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put([]byte(job.ID), data)
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// Batch operations

func (s *BoltStore) CreateBatch(batch *types.Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		key := []byte(batch.JobID + "/" + batch.ID)
		if b.Get(key) != nil {
			return fmt.Errorf("batch %s: %w", batch.ID, ErrAlreadyExists)
		}
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetBatch(jobID, batchID string) (*types.Batch, error) {
	var batch types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketBatches), jobID+"/"+batchID, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BoltStore) ListBatches(jobID string) ([]*types.Batch, error) {
	var batches []*types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatches).Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var batch types.Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			batches = append(batches, &batch)
		}
		return nil
	})
	return batches, err
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.createTaskTx(tx, task)
	})
}

func (s *BoltStore) createTaskTx(tx *bolt.Tx, task *types.Task) error {
	attempts := tx.Bucket(bucketTaskAttempts)
	attemptKey := []byte(task.AttemptKey())
	if attempts.Get(attemptKey) != nil {
		return fmt.Errorf("task attempt %s: %w", task.AttemptKey(), ErrAlreadyExists)
	}
	if err := putJSON(tx.Bucket(bucketTasks), task.ID, task); err != nil {
		return err
	}
	if err := attempts.Put(attemptKey, []byte(task.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketTasksByJob).Put([]byte(task.JobID+"/"+task.ID), []byte(task.ID))
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketTasks), id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTaskByAttempt resolves a task by its (job_id, batch_id, attempt)
// identity through the attempt index.
func (s *BoltStore) GetTaskByAttempt(jobID, batchID string, attempt int) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		key := types.AttemptKey(jobID, batchID, attempt)
		taskID := tx.Bucket(bucketTaskAttempts).Get([]byte(key))
		if taskID == nil {
			return fmt.Errorf("task attempt %s: %w", key, ErrNotFound)
		}
		return getJSON(tx.Bucket(bucketTasks), string(taskID), &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks(jobID string) ([]*types.Task, error) {
	return s.listTasks(jobID, func(t *types.Task) bool { return true })
}

func (s *BoltStore) ListTasksByStatus(jobID string, status types.TaskStatus) ([]*types.Task, error) {
	return s.listTasks(jobID, func(t *types.Task) bool { return t.Status == status })
}

func (s *BoltStore) listTasks(jobID string, keep func(*types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		c := tx.Bucket(bucketTasksByJob).Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var task types.Task
			if err := getJSON(taskBucket, string(v), &task); err != nil {
				return err
			}
			if keep(&task) {
				tasks = append(tasks, &task)
			}
		}
		return nil
	})
	return tasks, err
}

// CountByStatus tallies tasks for a job by status. An empty role counts all
// roles.
func (s *BoltStore) CountByStatus(jobID string, role types.TaskRole) (types.JobCounters, error) {
	var counters types.JobCounters
	tasks, err := s.listTasks(jobID, func(t *types.Task) bool {
		return role == "" || t.Role == role
	})
	if err != nil {
		return counters, err
	}
	for _, task := range tasks {
		switch task.Status {
		case types.TaskStatusPending:
			counters.Pending++
		case types.TaskStatusLeased:
			counters.Leased++
		case types.TaskStatusRunning:
			counters.Running++
		case types.TaskStatusSuccess:
			counters.Succeeded++
		case types.TaskStatusFailedRetryable:
			counters.FailedRetryable++
		case types.TaskStatusFailedTerminal:
			counters.FailedTerminal++
		case types.TaskStatusCancelled:
			counters.Cancelled++
		}
	}
	return counters, nil
}

// Leasing

func (s *BoltStore) AcquireLease(taskID, workerID string, duration time.Duration) (*types.Lease, error) {
	var lease *types.Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		lease, _, err = s.acquireLeaseTx(tx, taskID, workerID, duration)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// acquireLeaseTx leases a task. The second return reports whether an
// expired lease was reclaimed from a previous owner.
func (s *BoltStore) acquireLeaseTx(tx *bolt.Tx, taskID, workerID string, duration time.Duration) (*types.Lease, bool, error) {
	taskBucket := tx.Bucket(bucketTasks)
	var task types.Task
	if err := getJSON(taskBucket, taskID, &task); err != nil {
		return nil, false, err
	}

	var job types.Job
	if err := getJSON(tx.Bucket(bucketJobs), task.JobID, &job); err != nil {
		return nil, false, err
	}
	if job.Status == types.JobStatusCancelled {
		return nil, false, fmt.Errorf("job %s: %w", job.ID, ErrJobCancelled)
	}

	reclaimed := false
	now := s.now()
	switch task.Status {
	case types.TaskStatusPending:
	case types.TaskStatusLeased, types.TaskStatusRunning:
		if now.Before(task.LeaseExpiresAt) {
			return nil, false, fmt.Errorf("task %s leased by %s: %w", taskID, task.LeaseOwner, ErrLeaseHeld)
		}
		// Expired lease: reclaim for the new owner and count the orphan
		job.OrphansReclaimed++
		if err := s.updateJobTx(tx, &job); err != nil {
			return nil, false, err
		}
		reclaimed = true
	default:
		return nil, false, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrConflict)
	}

	lease := &types.Lease{
		TaskID:      taskID,
		WorkerID:    workerID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(duration),
		HeartbeatAt: now,
	}
	if err := putJSON(tx.Bucket(bucketLeases), taskID, lease); err != nil {
		return nil, false, err
	}

	task.Status = types.TaskStatusLeased
	task.LeaseOwner = workerID
	task.LeaseExpiresAt = lease.ExpiresAt
	if err := putJSON(taskBucket, taskID, &task); err != nil {
		return nil, false, err
	}
	return lease, reclaimed, nil
}

func (s *BoltStore) Heartbeat(taskID, workerID string, duration time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		leaseBucket := tx.Bucket(bucketLeases)
		var lease types.Lease
		if err := getJSON(leaseBucket, taskID, &lease); err != nil {
			return fmt.Errorf("task %s: %w", taskID, ErrLeaseLost)
		}
		if lease.WorkerID != workerID {
			return fmt.Errorf("task %s owned by %s: %w", taskID, lease.WorkerID, ErrLeaseLost)
		}

		taskBucket := tx.Bucket(bucketTasks)
		var task types.Task
		if err := getJSON(taskBucket, taskID, &task); err != nil {
			return err
		}
		if task.LeaseOwner != workerID {
			return fmt.Errorf("task %s owned by %s: %w", taskID, task.LeaseOwner, ErrLeaseLost)
		}

		var job types.Job
		if err := getJSON(tx.Bucket(bucketJobs), task.JobID, &job); err != nil {
			return err
		}
		if job.Status == types.JobStatusCancelled {
			return fmt.Errorf("job %s: %w", job.ID, ErrJobCancelled)
		}

		now := s.now()
		lease.HeartbeatAt = now
		lease.ExpiresAt = now.Add(duration)
		if err := putJSON(leaseBucket, taskID, &lease); err != nil {
			return err
		}
		task.LeaseExpiresAt = lease.ExpiresAt
		return putJSON(taskBucket, taskID, &task)
	})
}

// MarkTaskRunning transitions a leased task to running under its lease
func (s *BoltStore) MarkTaskRunning(taskID, workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		var task types.Task
		if err := getJSON(taskBucket, taskID, &task); err != nil {
			return err
		}
		if task.LeaseOwner != workerID {
			return fmt.Errorf("task %s owned by %s: %w", taskID, task.LeaseOwner, ErrLeaseLost)
		}
		if task.Status != types.TaskStatusLeased {
			return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrConflict)
		}
		task.Status = types.TaskStatusRunning
		task.StartedAt = s.now()
		return putJSON(taskBucket, taskID, &task)
	})
}

func (s *BoltStore) CompleteTask(taskID, workerID string, outcome types.Outcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.completeTaskTx(tx, taskID, workerID, outcome)
	})
}

func (s *BoltStore) completeTaskTx(tx *bolt.Tx, taskID, workerID string, outcome types.Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("outcome %s is not terminal: %w", outcome.Status, ErrConflict)
	}

	taskBucket := tx.Bucket(bucketTasks)
	var task types.Task
	if err := getJSON(taskBucket, taskID, &task); err != nil {
		return err
	}

	if task.Status.Terminal() {
		// Idempotent replay of the same outcome by the same owner
		if task.Status == outcome.Status && task.LeaseOwner == workerID {
			return nil
		}
		return fmt.Errorf("task %s already %s: %w", taskID, task.Status, ErrConflict)
	}

	if task.LeaseOwner != workerID {
		return fmt.Errorf("task %s owned by %s: %w", taskID, task.LeaseOwner, ErrLeaseLost)
	}

	task.Status = outcome.Status
	task.OutputRef = outcome.OutputRef
	task.Error = outcome.Error
	task.FinishedAt = s.now()
	task.LeaseExpiresAt = time.Time{}
	if err := putJSON(taskBucket, taskID, &task); err != nil {
		return err
	}
	return tx.Bucket(bucketLeases).Delete([]byte(taskID))
}

// PromoteTaskTerminal rewrites a FAILED_RETRYABLE task to FAILED_TERMINAL.
// Used when a job runs out of retry phases with retryable failures left.
func (s *BoltStore) PromoteTaskTerminal(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		var task types.Task
		if err := getJSON(taskBucket, taskID, &task); err != nil {
			return err
		}
		switch task.Status {
		case types.TaskStatusFailedTerminal:
			return nil
		case types.TaskStatusFailedRetryable:
		default:
			return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrConflict)
		}
		task.Status = types.TaskStatusFailedTerminal
		if task.Error != nil {
			task.Error.Kind = types.ErrorKindTerminal
		}
		return putJSON(taskBucket, taskID, &task)
	})
}

// CancelPendingTasks marks all pending tasks of a job cancelled and drops
// their queue entries. Leased tasks are left to fail on their next heartbeat.
func (s *BoltStore) CancelPendingTasks(jobID string) (int, error) {
	cancelled := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		c := tx.Bucket(bucketTasksByJob).Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var task types.Task
			if err := getJSON(taskBucket, string(v), &task); err != nil {
				return err
			}
			if task.Status != types.TaskStatusPending {
				continue
			}
			task.Status = types.TaskStatusCancelled
			task.FinishedAt = s.now()
			task.Error = &types.TaskError{Kind: types.ErrorKindCancelled, Message: "job cancelled"}
			if err := putJSON(taskBucket, task.ID, &task); err != nil {
				return err
			}
			if err := s.removeQueueEntryTx(tx, task.ID); err != nil {
				return err
			}
			cancelled++
		}
		return nil
	})
	return cancelled, err
}

// Work queue

func queueKey(priority int, seq uint64) []byte {
	// Higher priority sorts first; FIFO within a priority class
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[:4], math.MaxUint32-uint32(priority))
	binary.BigEndian.PutUint64(key[4:], seq)
	return key
}

func (s *BoltStore) Enqueue(taskID string, priority int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketQueueIndex)
		if index.Get([]byte(taskID)) != nil {
			// Idempotent: the task is already queued
			return nil
		}
		queue := tx.Bucket(bucketQueue)
		seq, err := queue.NextSequence()
		if err != nil {
			return err
		}
		key := queueKey(priority, seq)
		if err := queue.Put(key, []byte(taskID)); err != nil {
			return err
		}
		return index.Put([]byte(taskID), key)
	})
}

func (s *BoltStore) Dequeue(workerID string, max int, leaseDuration time.Duration) ([]*QueuedTask, error) {
	var leased []*QueuedTask
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		taskBucket := tx.Bucket(bucketTasks)

		var garbage [][]byte
		c := queue.Cursor()
		for k, v := c.First(); k != nil && len(leased) < max; k, v = c.Next() {
			taskID := string(v)

			var task types.Task
			if err := getJSON(taskBucket, taskID, &task); err != nil {
				garbage = append(garbage, append([]byte(nil), k...))
				continue
			}
			if task.Status.Terminal() {
				garbage = append(garbage, append([]byte(nil), k...))
				continue
			}

			lease, reclaimed, err := s.acquireLeaseTx(tx, taskID, workerID, leaseDuration)
			if err != nil {
				// Held by a live owner, or the job was cancelled; leave
				// cancelled entries for CancelPendingTasks to reap
				continue
			}
			updated, err := s.getTaskTx(tx, taskID)
			if err != nil {
				return err
			}
			leased = append(leased, &QueuedTask{Task: updated, Lease: lease, Reclaimed: reclaimed})
		}

		index := tx.Bucket(bucketQueueIndex)
		for _, k := range garbage {
			taskID := queue.Get(k)
			if taskID != nil {
				if err := index.Delete(taskID); err != nil {
					return err
				}
			}
			if err := queue.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *BoltStore) getTaskTx(tx *bolt.Tx, taskID string) (*types.Task, error) {
	var task types.Task
	if err := getJSON(tx.Bucket(bucketTasks), taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) removeQueueEntryTx(tx *bolt.Tx, taskID string) error {
	index := tx.Bucket(bucketQueueIndex)
	key := index.Get([]byte(taskID))
	if key == nil {
		return nil
	}
	if err := tx.Bucket(bucketQueue).Delete(key); err != nil {
		return err
	}
	return index.Delete([]byte(taskID))
}

func (s *BoltStore) Ack(taskID, workerID string, outcome types.Outcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := s.completeTaskTx(tx, taskID, workerID, outcome); err != nil {
			return err
		}
		return s.removeQueueEntryTx(tx, taskID)
	})
}

func (s *BoltStore) Nack(taskID, workerID string, outcome types.Outcome) error {
	return s.Ack(taskID, workerID, outcome)
}

func (s *BoltStore) QueueDepth() (int, error) {
	depth := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket(bucketQueueIndex).Stats().KeyN
		return nil
	})
	return depth, err
}

// Job locks

type jobLock struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AcquireJobLock takes or renews the coordinator lock for a job. Returns
// false when another live owner holds it.
func (s *BoltStore) AcquireJobLock(jobID, ownerID string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobLocks)
		now := s.now()

		var lock jobLock
		if data := b.Get([]byte(jobID)); data != nil {
			if err := json.Unmarshal(data, &lock); err != nil {
				return err
			}
			if lock.Owner != ownerID && now.Before(lock.ExpiresAt) {
				return nil
			}
		}

		lock = jobLock{Owner: ownerID, ExpiresAt: now.Add(ttl)}
		data, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(jobID), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BoltStore) ReleaseJobLock(jobID, ownerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobLocks)
		data := b.Get([]byte(jobID))
		if data == nil {
			return nil
		}
		var lock jobLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		if lock.Owner != ownerID {
			return nil
		}
		return b.Delete([]byte(jobID))
	})
}

// Rate-limit buckets

func (s *BoltStore) GetBucket(key string) (*types.TokenBucket, error) {
	var bucket types.TokenBucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketRateBuckets), key, &bucket)
	})
	if err != nil {
		return nil, err
	}
	return &bucket, nil
}

// PutBucket writes bucket state conditionally on its version
func (s *BoltStore) PutBucket(bucket *types.TokenBucket) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateBuckets)
		key := bucket.Key()
		if data := b.Get([]byte(key)); data != nil {
			var stored types.TokenBucket
			if err := json.Unmarshal(data, &stored); err != nil {
				return err
			}
			if stored.Version != bucket.Version {
				return fmt.Errorf("bucket %s: %w", key, ErrConflict)
			}
		} else if bucket.Version != 0 {
			return fmt.Errorf("bucket %s: %w", key, ErrConflict)
		}
		bucket.Version++
		return putJSON(b, key, bucket)
	})
}

func (s *BoltStore) ListBuckets() ([]*types.TokenBucket, error) {
	var buckets []*types.TokenBucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateBuckets).ForEach(func(k, v []byte) error {
			var bucket types.TokenBucket
			if err := json.Unmarshal(v, &bucket); err != nil {
				return err
			}
			buckets = append(buckets, &bucket)
			return nil
		})
	})
	return buckets, err
}

// Checkpoints

func (s *BoltStore) PutCheckpoint(attemptKey string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(attemptKey), data)
	})
}

func (s *BoltStore) GetCheckpoint(attemptKey string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCheckpoints).Get([]byte(attemptKey))
		if v == nil {
			return fmt.Errorf("checkpoint %s: %w", attemptKey, ErrNotFound)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) DeleteCheckpoint(attemptKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete([]byte(attemptKey))
	})
}

// JSON helpers

func getJSON(b *bolt.Bucket, key string, out interface{}) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func putJSON(b *bolt.Bucket, key string, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
