package storage

import (
	"errors"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
)

// Sentinel errors returned by Store implementations
var (
	// ErrNotFound indicates the requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create collided with an existing entity
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict indicates a compare-and-swap update lost the race
	ErrConflict = errors.New("version conflict")

	// ErrLeaseLost indicates the caller no longer owns the task lease
	ErrLeaseLost = errors.New("lease lost")

	// ErrLeaseHeld indicates the task is leased by another live owner
	ErrLeaseHeld = errors.New("lease held")

	// ErrJobCancelled indicates the owning job has been cancelled
	ErrJobCancelled = errors.New("job cancelled")
)

// QueuedTask is a task popped from the work queue together with the lease
// acquired for it in the same transaction. Reclaimed is set when the pop
// took over an expired lease from a dead owner.
type QueuedTask struct {
	Task      *types.Task
	Lease     *types.Lease
	Reclaimed bool
}

// Store defines durable job, task and rate-limit state operations. Every
// method is atomic; mutations are conditional on entity versions or lease
// ownership.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(job *types.Job) error
	ListJobs() ([]*types.Job, error)

	// Batches
	CreateBatch(batch *types.Batch) error
	GetBatch(jobID, batchID string) (*types.Batch, error)
	ListBatches(jobID string) ([]*types.Batch, error)

	// Tasks. CreateTask fails with ErrAlreadyExists when the
	// (job_id, batch_id, attempt) identity is already taken.
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	GetTaskByAttempt(jobID, batchID string, attempt int) (*types.Task, error)
	ListTasks(jobID string) ([]*types.Task, error)
	ListTasksByStatus(jobID string, status types.TaskStatus) ([]*types.Task, error)
	CountByStatus(jobID string, role types.TaskRole) (types.JobCounters, error)

	// Leasing
	AcquireLease(taskID, workerID string, duration time.Duration) (*types.Lease, error)
	Heartbeat(taskID, workerID string, duration time.Duration) error
	CompleteTask(taskID, workerID string, outcome types.Outcome) error
	MarkTaskRunning(taskID, workerID string) error
	CancelPendingTasks(jobID string) (int, error)

	// PromoteTaskTerminal rewrites a FAILED_RETRYABLE task to
	// FAILED_TERMINAL once no retry phases remain for it. Idempotent when
	// the task is already FAILED_TERMINAL.
	PromoteTaskTerminal(taskID string) error

	// Work queue. Dequeue pops up to max tasks and leases each to workerID
	// in the same transaction. Ack and Nack remove the queue entry; Nack
	// also records the failure outcome.
	Enqueue(taskID string, priority int) error
	Dequeue(workerID string, max int, leaseDuration time.Duration) ([]*QueuedTask, error)
	Ack(taskID, workerID string, outcome types.Outcome) error
	Nack(taskID, workerID string, outcome types.Outcome) error
	QueueDepth() (int, error)

	// Job-scoped coordinator lock
	AcquireJobLock(jobID, ownerID string, ttl time.Duration) (bool, error)
	ReleaseJobLock(jobID, ownerID string) error

	// Rate-limit buckets. PutBucket is a compare-and-swap on Version.
	GetBucket(key string) (*types.TokenBucket, error)
	PutBucket(bucket *types.TokenBucket) error
	ListBuckets() ([]*types.TokenBucket, error)

	// Handler checkpoints, keyed by task attempt
	PutCheckpoint(attemptKey string, data []byte) error
	GetCheckpoint(attemptKey string) ([]byte, error)
	DeleteCheckpoint(attemptKey string) error

	// Utility
	Close() error
}
