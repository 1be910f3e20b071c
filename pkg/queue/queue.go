package queue

import (
	"fmt"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/metrics"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/rs/zerolog"
)

// Priority classes. Retries outrank their originating phase so a partially
// failed job converges faster; aggregation outranks both.
const (
	PriorityDefault     = 0
	PriorityRetry       = 10
	PriorityAggregation = 20
)

// Queue is the durable work queue. Entries live in the state store so that
// a dequeue and its lease are one transaction, giving at-least-once delivery
// with every delivered task already leased to its consumer.
type Queue struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a queue over the given store
func New(store storage.Store) *Queue {
	return &Queue{
		store:  store,
		logger: log.WithComponent("queue"),
	}
}

// Enqueue adds tasks at their declared priority. Enqueueing an already
// queued task is a no-op, which keeps coordinator restarts from duplicating
// work.
func (q *Queue) Enqueue(tasks []*types.Task) error {
	for _, task := range tasks {
		if err := q.store.Enqueue(task.ID, task.Priority); err != nil {
			return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
		}
		q.logger.Debug().
			Str("task_id", task.ID).
			Str("phase", task.Phase).
			Int("priority", task.Priority).
			Msg("task enqueued")
	}
	return nil
}

// Dequeue pops up to max tasks, each leased to workerID for leaseDuration
func (q *Queue) Dequeue(workerID string, max int, leaseDuration time.Duration) ([]*storage.QueuedTask, error) {
	leased, err := q.store.Dequeue(workerID, max, leaseDuration)
	if err != nil {
		return nil, err
	}
	for range leased {
		metrics.LeasesAcquired.Inc()
	}
	return leased, nil
}

// Ack commits a successful outcome for a delivered task
func (q *Queue) Ack(taskID, workerID, outputRef string) error {
	return q.store.Ack(taskID, workerID, types.Outcome{
		Status:    types.TaskStatusSuccess,
		OutputRef: outputRef,
	})
}

// Nack commits a failure outcome for a delivered task. The outcome status
// decides whether the retry planner will emit a fresh attempt.
func (q *Queue) Nack(taskID, workerID string, outcome types.Outcome) error {
	return q.store.Nack(taskID, workerID, outcome)
}

// Depth returns the number of queued entries
func (q *Queue) Depth() (int, error) {
	return q.store.QueueDepth()
}
