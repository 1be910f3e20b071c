package storage

import (
	"testing"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock for driving lease expiry
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*BoltStore, *testClock) {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	return store, clock
}

func makeJob(t *testing.T, store *BoltStore, id string) *types.Job {
	t.Helper()
	job := &types.Job{
		ID:         id,
		Name:       "test-job",
		HandlerRef: "echo/v1",
		Status:     types.JobStatusRunning,
		Phase:      types.PhaseInitial,
		Spec:       &types.JobSpec{Name: "test-job", HandlerRef: "echo/v1"},
	}
	require.NoError(t, store.CreateJob(job))
	return job
}

func makeTask(t *testing.T, store *BoltStore, jobID, batchID string, attempt int) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:      jobID + "-" + batchID + "-t" + string(rune('0'+attempt)),
		JobID:   jobID,
		BatchID: batchID,
		Role:    types.TaskRoleWorker,
		Phase:   types.PhaseInitial,
		Attempt: attempt,
		Status:  types.TaskStatusPending,
	}
	require.NoError(t, store.CreateTask(task))
	return task
}

func TestJobCreateAndVersioning(t *testing.T) {
	store, _ := newTestStore(t)

	job := makeJob(t, store, "job-1")
	assert.Equal(t, uint64(1), job.Version)

	// Duplicate create is rejected
	err := store.CreateJob(&types.Job{ID: "job-1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Update increments the version
	job.Status = types.JobStatusAggregating
	require.NoError(t, store.UpdateJob(job))
	assert.Equal(t, uint64(2), job.Version)

	// Stale writer loses the compare-and-swap
	stale := *job
	stale.Version = 1
	err = store.UpdateJob(&stale)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusAggregating, got.Status)

	_, err = store.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskAttemptIdentity(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	makeTask(t, store, "job-1", "batch-1", 1)

	// A second task with the same (job, batch, attempt) identity is rejected
	// even under a different task ID
	err := store.CreateTask(&types.Task{
		ID:      "other-id",
		JobID:   "job-1",
		BatchID: "batch-1",
		Attempt: 1,
		Role:    types.TaskRoleWorker,
		Status:  types.TaskStatusPending,
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// The next attempt is a distinct identity
	makeTask(t, store, "job-1", "batch-1", 2)

	tasks, err := store.ListTasks("job-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestAcquireLease(t *testing.T) {
	store, clock := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)

	lease, err := store.AcquireLease(task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", lease.WorkerID)
	assert.Equal(t, clock.Now().Add(time.Minute), lease.ExpiresAt)

	// A live lease excludes other workers
	_, err = store.AcquireLease(task.ID, "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusLeased, got.Status)
	assert.Equal(t, "worker-a", got.LeaseOwner)
}

func TestLeaseReclaimAfterExpiry(t *testing.T) {
	store, clock := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)

	_, err := store.AcquireLease(task.ID, "worker-a", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	// Expired lease is reclaimed by a new owner and counted as an orphan
	lease, err := store.AcquireLease(task.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", lease.WorkerID)

	job, err := store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.OrphansReclaimed)

	// The old owner can no longer commit an outcome
	err = store.CompleteTask(task.ID, "worker-a", types.Outcome{Status: types.TaskStatusSuccess})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestCompleteTaskIdempotentReplay(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)

	_, err := store.AcquireLease(task.ID, "worker-a", time.Minute)
	require.NoError(t, err)

	outcome := types.Outcome{Status: types.TaskStatusSuccess, OutputRef: "out.txt"}
	require.NoError(t, store.CompleteTask(task.ID, "worker-a", outcome))

	// Replaying the same outcome by the same owner is a no-op
	require.NoError(t, store.CompleteTask(task.ID, "worker-a", outcome))

	// A different outcome against a terminal task is a conflict
	err = store.CompleteTask(task.ID, "worker-a", types.Outcome{Status: types.TaskStatusFailedRetryable})
	assert.ErrorIs(t, err, ErrConflict)

	// Non-terminal outcomes are rejected outright
	task2 := makeTask(t, store, "job-1", "batch-2", 1)
	_, err = store.AcquireLease(task2.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	err = store.CompleteTask(task2.ID, "worker-a", types.Outcome{Status: types.TaskStatusRunning})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestHeartbeat(t *testing.T) {
	store, clock := newTestStore(t)
	job := makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)

	_, err := store.AcquireLease(task.ID, "worker-a", time.Minute)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, store.Heartbeat(task.ID, "worker-a", time.Minute))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), got.LeaseExpiresAt)

	// Wrong owner cannot extend
	err = store.Heartbeat(task.ID, "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost)

	// Heartbeats fail once the job is cancelled
	job.Status = types.JobStatusCancelled
	require.NoError(t, store.UpdateJob(job))
	err = store.Heartbeat(task.ID, "worker-a", time.Minute)
	assert.ErrorIs(t, err, ErrJobCancelled)
}

func TestMarkTaskRunning(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)

	// Running requires a lease
	err := store.MarkTaskRunning(task.ID, "worker-a")
	assert.ErrorIs(t, err, ErrLeaseLost)

	_, err = store.AcquireLease(task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkTaskRunning(task.ID, "worker-a"))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())
}

func TestQueuePriorityOrdering(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")

	low := makeTask(t, store, "job-1", "batch-1", 1)
	high := makeTask(t, store, "job-1", "batch-2", 1)
	mid := makeTask(t, store, "job-1", "batch-3", 1)

	require.NoError(t, store.Enqueue(low.ID, 0))
	require.NoError(t, store.Enqueue(high.ID, 20))
	require.NoError(t, store.Enqueue(mid.ID, 10))

	leased, err := store.Dequeue("worker-a", 3, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 3)
	assert.Equal(t, high.ID, leased[0].Task.ID)
	assert.Equal(t, mid.ID, leased[1].Task.ID)
	assert.Equal(t, low.ID, leased[2].Task.ID)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")

	first := makeTask(t, store, "job-1", "batch-1", 1)
	second := makeTask(t, store, "job-1", "batch-2", 1)

	require.NoError(t, store.Enqueue(first.ID, 0))
	require.NoError(t, store.Enqueue(second.ID, 0))

	leased, err := store.Dequeue("worker-a", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, first.ID, leased[0].Task.ID)
}

func TestDequeueRedeliversAfterLeaseExpiry(t *testing.T) {
	store, clock := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)
	require.NoError(t, store.Enqueue(task.ID, 0))

	leased, err := store.Dequeue("worker-a", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.False(t, leased[0].Reclaimed)

	// The entry stays queued while leased, but is not redelivered
	depth, err := store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	again, err := store.Dequeue("worker-b", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	// After the lease expires the task is delivered again, flagged as a
	// reclaim so the pool can report it
	clock.Advance(2 * time.Minute)
	again, err = store.Dequeue("worker-b", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, task.ID, again[0].Task.ID)
	assert.Equal(t, "worker-b", again[0].Task.LeaseOwner)
	assert.True(t, again[0].Reclaimed)
}

func TestGetTaskByAttempt(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	t1 := makeTask(t, store, "job-1", "batch-1", 1)
	t2 := makeTask(t, store, "job-1", "batch-1", 2)

	got, err := store.GetTaskByAttempt("job-1", "batch-1", 1)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, got.ID)

	got, err = store.GetTaskByAttempt("job-1", "batch-1", 2)
	require.NoError(t, err)
	assert.Equal(t, t2.ID, got.ID)

	_, err = store.GetTaskByAttempt("job-1", "batch-1", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromoteTaskTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)

	// Only retryable failures can be promoted
	err := store.PromoteTaskTerminal(task.ID)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.AcquireLease(task.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.CompleteTask(task.ID, "worker-a", types.Outcome{
		Status: types.TaskStatusFailedRetryable,
		Error:  &types.TaskError{Kind: types.ErrorKindRetryable, Message: "transient"},
	}))

	require.NoError(t, store.PromoteTaskTerminal(task.ID))
	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailedTerminal, got.Status)
	assert.Equal(t, types.ErrorKindTerminal, got.Error.Kind)

	// Replay is a no-op
	require.NoError(t, store.PromoteTaskTerminal(task.ID))
}

func TestAckRemovesQueueEntry(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)
	require.NoError(t, store.Enqueue(task.ID, 0))

	leased, err := store.Dequeue("worker-a", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, store.Ack(task.ID, "worker-a", types.Outcome{
		Status:    types.TaskStatusSuccess,
		OutputRef: "out.txt",
	}))

	depth, err := store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSuccess, got.Status)
	assert.Equal(t, "out.txt", got.OutputRef)
}

func TestEnqueueIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)

	require.NoError(t, store.Enqueue(task.ID, 0))
	require.NoError(t, store.Enqueue(task.ID, 0))

	depth, err := store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestCancelPendingTasks(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")
	pending := makeTask(t, store, "job-1", "batch-1", 1)
	leased := makeTask(t, store, "job-1", "batch-2", 1)
	require.NoError(t, store.Enqueue(pending.ID, 0))
	require.NoError(t, store.Enqueue(leased.ID, 0))

	_, err := store.AcquireLease(leased.ID, "worker-a", time.Minute)
	require.NoError(t, err)

	n, err := store.CancelPendingTasks("job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetTask(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)

	// The leased task is left for its heartbeat to discover cancellation
	got, err = store.GetTask(leased.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusLeased, got.Status)
}

func TestDequeueSkipsCancelledJob(t *testing.T) {
	store, _ := newTestStore(t)
	job := makeJob(t, store, "job-1")
	task := makeTask(t, store, "job-1", "batch-1", 1)
	require.NoError(t, store.Enqueue(task.ID, 0))

	job.Status = types.JobStatusCancelled
	require.NoError(t, store.UpdateJob(job))

	leased, err := store.Dequeue("worker-a", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestJobLock(t *testing.T) {
	store, clock := newTestStore(t)

	acquired, err := store.AcquireJobLock("job-1", "coord-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Another owner is excluded while the lock is live
	acquired, err = store.AcquireJobLock("job-1", "coord-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// The holder renews freely
	acquired, err = store.AcquireJobLock("job-1", "coord-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// An expired lock can be taken over
	clock.Advance(2 * time.Minute)
	acquired, err = store.AcquireJobLock("job-1", "coord-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Release by a non-owner is a no-op
	require.NoError(t, store.ReleaseJobLock("job-1", "coord-a"))
	acquired, err = store.AcquireJobLock("job-1", "coord-c", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.ReleaseJobLock("job-1", "coord-b"))
	acquired, err = store.AcquireJobLock("job-1", "coord-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestBucketCompareAndSwap(t *testing.T) {
	store, _ := newTestStore(t)

	bucket := &types.TokenBucket{
		Endpoint:     "api.example.com",
		Credential:   "key-1",
		Capacity:     100,
		RefillPerSec: 10,
		Available:    100,
	}
	require.NoError(t, store.PutBucket(bucket))
	assert.Equal(t, uint64(1), bucket.Version)

	got, err := store.GetBucket(bucket.Key())
	require.NoError(t, err)
	assert.Equal(t, float64(100), got.Available)

	// Stale version loses the swap
	stale := *got
	stale.Version = 0
	err = store.PutBucket(&stale)
	assert.ErrorIs(t, err, ErrConflict)

	got.Available = 50
	require.NoError(t, store.PutBucket(got))
	assert.Equal(t, uint64(2), got.Version)
}

func TestCheckpoints(t *testing.T) {
	store, _ := newTestStore(t)
	key := types.AttemptKey("job-1", "batch-1", 1)

	_, err := store.GetCheckpoint(key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutCheckpoint(key, []byte(`{"done":25}`)))
	data, err := store.GetCheckpoint(key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"done":25}`), data)

	require.NoError(t, store.DeleteCheckpoint(key))
	_, err = store.GetCheckpoint(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	store, _ := newTestStore(t)
	makeJob(t, store, "job-1")

	t1 := makeTask(t, store, "job-1", "batch-1", 1)
	makeTask(t, store, "job-1", "batch-2", 1)
	agg := &types.Task{
		ID:      "agg-1",
		JobID:   "job-1",
		BatchID: "aggregate",
		Role:    types.TaskRoleAggregator,
		Attempt: 1,
		Status:  types.TaskStatusPending,
	}
	require.NoError(t, store.CreateTask(agg))

	_, err := store.AcquireLease(t1.ID, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.CompleteTask(t1.ID, "worker-a", types.Outcome{Status: types.TaskStatusSuccess}))

	counters, err := store.CountByStatus("job-1", types.TaskRoleWorker)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Succeeded)
	assert.Equal(t, 1, counters.Pending)
	assert.Equal(t, 1, counters.NonTerminal())

	// Empty role counts the aggregator too
	counters, err = store.CountByStatus("job-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, counters.Pending)
}
