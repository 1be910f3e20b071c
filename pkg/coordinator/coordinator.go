package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/events"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/handler"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/metrics"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/queue"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUnknownHandler indicates a submission referenced an unregistered handler
var ErrUnknownHandler = errors.New("unknown handler")

// ErrJobTerminal indicates an operation on a job that already finished
var ErrJobTerminal = errors.New("job already terminal")

// aggregateBatchID is the synthetic batch id carried by aggregator tasks
const aggregateBatchID = "aggregate"

// Config holds coordinator configuration
type Config struct {
	CoordinatorID string
	TickInterval  time.Duration
	LockTTL       time.Duration
}

func (c *Config) defaults() {
	if c.CoordinatorID == "" {
		c.CoordinatorID = "coordinator-" + uuid.NewString()[:8]
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Second
	}
}

// Coordinator drives job lifecycles: intake and partitioning, task emission,
// retry phase planning, aggregation triggering and finalization. It holds no
// state of its own; every tick reconstructs its view from the store, so a
// restarted coordinator resumes where the last one stopped.
type Coordinator struct {
	cfg       Config
	store     storage.Store
	queue     *queue.Queue
	artifacts *artifact.Store
	broker    *events.Broker
	logger    zerolog.Logger

	stopCh chan struct{}
	now    func() time.Time
}

// New creates a coordinator
func New(cfg Config, store storage.Store, q *queue.Queue, artifacts *artifact.Store, broker *events.Broker) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		queue:     q,
		artifacts: artifacts,
		broker:    broker,
		logger:    log.WithComponent("coordinator"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start begins the tick loop
func (c *Coordinator) Start() {
	go c.run()
}

// Stop stops the tick loop
func (c *Coordinator) Stop() {
	close(c.stopCh)
}

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Tick()
		case <-c.stopCh:
			return
		}
	}
}

// Submit validates a job spec, writes the manifest, partitions input into
// batches and enqueues the initial task group.
func (c *Coordinator) Submit(ctx context.Context, spec *types.JobSpec, submittedBy string) (*types.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	h, ok := handler.Lookup(spec.HandlerRef)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, spec.HandlerRef)
	}

	job := &types.Job{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		HandlerRef:  spec.HandlerRef,
		Spec:        spec,
		SubmittedAt: c.now(),
		SubmittedBy: submittedBy,
		Status:      types.JobStatusPending,
		Phase:       types.PhaseInitial,
	}
	if err := c.store.CreateJob(job); err != nil {
		return nil, err
	}

	inputs, err := h.Partition(ctx, spec, c.artifacts, job.ID)
	if err != nil {
		c.failSubmission(job, err)
		return nil, fmt.Errorf("partition failed: %w", err)
	}

	var tasks []*types.Task
	for i, in := range inputs {
		batch := &types.Batch{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			Index:       i,
			InputRef:    in.InputRef,
			RecordCount: in.RecordCount,
			CreatedAt:   c.now(),
		}
		if err := c.store.CreateBatch(batch); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			c.failSubmission(job, err)
			return nil, err
		}

		task := c.newTask(job.ID, batch.ID, types.TaskRoleWorker, types.PhaseInitial, 1, queue.PriorityDefault)
		task, err = c.resolveTask(task, c.store.CreateTask(task))
		if err != nil {
			c.failSubmission(job, err)
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := c.queue.Enqueue(tasks); err != nil {
		c.failSubmission(job, err)
		return nil, err
	}

	job.BatchCount = len(inputs)
	if err := c.store.UpdateJob(job); err != nil {
		return nil, err
	}

	c.broker.Publish(&events.Event{
		Type:     events.EventJobSubmitted,
		Message:  "job submitted",
		Metadata: map[string]string{"job_id": job.ID, "handler_ref": job.HandlerRef},
	})
	c.logger.Info().
		Str("job_id", job.ID).
		Str("handler_ref", job.HandlerRef).
		Int("batches", job.BatchCount).
		Msg("job submitted")
	return job, nil
}

// failSubmission records a terminal FAILED state for a job whose intake
// never produced runnable batches. Without it the manifest would sit at
// PENDING with zero batches and the tick loop would complete it as an
// empty job.
func (c *Coordinator) failSubmission(job *types.Job, cause error) {
	job.Status = types.JobStatusFailed
	job.CompletedAt = c.now()
	job.FailureReason = &types.FailureReason{
		PhaseFailed:      job.Phase,
		FirstErrorSample: cause.Error(),
	}
	if err := c.store.UpdateJob(job); err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record submission failure")
		return
	}
	c.broker.Publish(&events.Event{
		Type:     events.EventJobFailed,
		Message:  "job failed",
		Metadata: map[string]string{"job_id": job.ID},
	})
}

// resolveTask maps a CreateTask collision back to the task that owns the
// attempt identity. A coordinator that crashed between creating a task and
// enqueueing it re-enqueues the stored task instead of abandoning the
// attempt.
func (c *Coordinator) resolveTask(task *types.Task, err error) (*types.Task, error) {
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, err
	}
	return c.store.GetTaskByAttempt(task.JobID, task.BatchID, task.Attempt)
}

// Cancel stops a job: pending tasks are cancelled immediately, leased tasks
// fail on their next heartbeat, and aggregation never runs. Outputs of
// already successful tasks are retained.
func (c *Coordinator) Cancel(jobID string) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobTerminal)
	}

	job.Status = types.JobStatusCancelled
	job.CompletedAt = c.now()
	if err := c.store.UpdateJob(job); err != nil {
		return err
	}

	cancelled, err := c.store.CancelPendingTasks(jobID)
	if err != nil {
		return err
	}

	c.broker.Publish(&events.Event{
		Type:     events.EventJobCancelled,
		Message:  "job cancelled",
		Metadata: map[string]string{"job_id": jobID},
	})
	c.logger.Info().Str("job_id", jobID).Int("tasks_cancelled", cancelled).Msg("job cancelled")
	return nil
}

// Tick advances every live job one step
func (c *Coordinator) Tick() {
	metrics.CoordinatorTicks.Inc()

	jobs, err := c.store.ListJobs()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list jobs")
		return
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		if err := c.tickJob(job); err != nil && !errors.Is(err, storage.ErrConflict) {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("tick failed")
		}
	}
}

// tickJob runs one cycle for one job under the job-scoped lock. Version
// conflicts are left for the next tick.
func (c *Coordinator) tickJob(job *types.Job) error {
	locked, err := c.store.AcquireJobLock(job.ID, c.cfg.CoordinatorID, c.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	defer func() {
		_ = c.store.ReleaseJobLock(job.ID, c.cfg.CoordinatorID)
	}()

	counters, err := c.store.CountByStatus(job.ID, types.TaskRoleWorker)
	if err != nil {
		return err
	}
	job.Counters = counters

	if err := c.requeueOrphans(job); err != nil {
		return err
	}

	switch job.Status {
	case types.JobStatusPending:
		if job.BatchCount == 0 {
			// Nothing to do and nothing to aggregate
			return c.finalize(job, types.JobStatusCompleted, nil)
		}
		if counters.NonTerminal() < job.BatchCount || counters.Leased > 0 || counters.Running > 0 {
			job.Status = types.JobStatusRunning
		}
		return c.store.UpdateJob(job)

	case types.JobStatusRunning:
		if counters.NonTerminal() > 0 {
			return c.store.UpdateJob(job)
		}
		return c.advanceTerminalWorkers(job)

	case types.JobStatusAggregating:
		return c.advanceAggregation(job)
	}
	return nil
}

// requeueOrphans re-enqueues every PENDING task of a job. Enqueue is
// idempotent on task id, so queued tasks are untouched; tasks stranded by a
// crash between creation and enqueue become visible to workers again.
func (c *Coordinator) requeueOrphans(job *types.Job) error {
	pending, err := c.store.ListTasksByStatus(job.ID, types.TaskStatusPending)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(pending)
}

// advanceTerminalWorkers decides what happens once all worker tasks are
// terminal: plan another retry phase, trigger aggregation, or fail the job.
func (c *Coordinator) advanceTerminalWorkers(job *types.Job) error {
	retryable, err := c.retryableBatches(job)
	if err != nil {
		return err
	}

	if len(retryable) > 0 {
		if job.RetryPhase < job.Spec.Retry.MaxRetryPhases {
			return c.planRetryPhase(job, retryable)
		}

		// No retry phases left: the remaining retryable failures become
		// terminal so each batch ends either SUCCESS or FAILED_TERMINAL
		for _, t := range retryable {
			if err := c.store.PromoteTaskTerminal(t.ID); err != nil {
				return err
			}
		}
		counters, err := c.store.CountByStatus(job.ID, types.TaskRoleWorker)
		if err != nil {
			return err
		}
		job.Counters = counters
		job.FailureReason = c.failureReason(job)
		c.logger.Warn().
			Str("job_id", job.ID).
			Int("promoted", len(retryable)).
			Msg("retry phases exhausted, remaining failures are terminal")
	}

	if job.Counters.Succeeded > 0 {
		return c.triggerAggregation(job)
	}

	// Zero successes: nothing to aggregate
	return c.finalize(job, types.JobStatusFailed, c.failureReason(job))
}

// retryableBatches returns, per batch, the latest attempt when that attempt
// failed retryably. Superseded attempts do not count.
func (c *Coordinator) retryableBatches(job *types.Job) ([]*types.Task, error) {
	tasks, err := c.store.ListTasks(job.ID)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*types.Task)
	for _, t := range tasks {
		if t.Role != types.TaskRoleWorker {
			continue
		}
		if cur, ok := latest[t.BatchID]; !ok || t.Attempt > cur.Attempt {
			latest[t.BatchID] = t
		}
	}

	var retryable []*types.Task
	for _, t := range latest {
		if t.Status == types.TaskStatusFailedRetryable {
			retryable = append(retryable, t)
		}
	}
	return retryable, nil
}

// planRetryPhase re-emits retryable failures as a fresh task group at retry
// priority, honoring the job's backoff between phases.
func (c *Coordinator) planRetryPhase(job *types.Job, retryable []*types.Task) error {
	now := c.now()
	if job.NextRetryAt.IsZero() {
		job.NextRetryAt = now.Add(c.phaseBackoff(job))
		return c.store.UpdateJob(job)
	}
	if now.Before(job.NextRetryAt) {
		return c.store.UpdateJob(job)
	}

	job.RetryPhase++
	phase := fmt.Sprintf("retry_%d", job.RetryPhase)

	var tasks []*types.Task
	for _, prev := range retryable {
		task := c.newTask(job.ID, prev.BatchID, types.TaskRoleWorker, phase, prev.Attempt+1, queue.PriorityRetry)
		task, err := c.resolveTask(task, c.store.CreateTask(task))
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			continue
		}
		tasks = append(tasks, task)
	}
	if err := c.queue.Enqueue(tasks); err != nil {
		return err
	}

	job.Phase = phase
	job.NextRetryAt = time.Time{}
	if err := c.store.UpdateJob(job); err != nil {
		return err
	}

	metrics.RetryPhasesPlanned.Inc()
	c.broker.Publish(&events.Event{
		Type:     events.EventPhasePromoted,
		Message:  "retry phase planned",
		Metadata: map[string]string{"job_id": job.ID, "phase": phase},
	})
	c.logger.Info().
		Str("job_id", job.ID).
		Str("phase", phase).
		Int("tasks", len(tasks)).
		Msg("retry phase planned")
	return nil
}

// phaseBackoff computes the delay before the next retry phase
func (c *Coordinator) phaseBackoff(job *types.Job) time.Duration {
	initial := time.Duration(job.Spec.Retry.InitialMs) * time.Millisecond
	cap := time.Duration(job.Spec.Retry.CapMs) * time.Millisecond

	d := initial
	if job.Spec.Retry.Backoff == "exponential" {
		for i := 0; i < job.RetryPhase; i++ {
			d *= 2
			if d >= cap {
				return cap
			}
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// triggerAggregation emits the aggregator task and moves the job to
// AGGREGATING
func (c *Coordinator) triggerAggregation(job *types.Job) error {
	task := c.newTask(job.ID, aggregateBatchID, types.TaskRoleAggregator, types.PhaseAggregation, 1, queue.PriorityAggregation)
	task, err := c.resolveTask(task, c.store.CreateTask(task))
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		if err := c.queue.Enqueue([]*types.Task{task}); err != nil {
			return err
		}
	}

	job.Status = types.JobStatusAggregating
	job.Phase = types.PhaseAggregation
	if err := c.store.UpdateJob(job); err != nil {
		return err
	}

	c.broker.Publish(&events.Event{
		Type:     events.EventAggregationStarted,
		Message:  "aggregation started",
		Metadata: map[string]string{"job_id": job.ID},
	})
	return nil
}

// advanceAggregation watches aggregator attempts and finalizes the job
func (c *Coordinator) advanceAggregation(job *types.Job) error {
	tasks, err := c.store.ListTasks(job.ID)
	if err != nil {
		return err
	}

	var latest *types.Task
	for _, t := range tasks {
		if t.Role != types.TaskRoleAggregator {
			continue
		}
		if latest == nil || t.Attempt > latest.Attempt {
			latest = t
		}
	}
	if latest == nil {
		// Aggregator task vanished; re-trigger
		return c.triggerAggregation(job)
	}

	switch latest.Status {
	case types.TaskStatusSuccess:
		job.AggregateRef = latest.OutputRef
		c.broker.Publish(&events.Event{
			Type:     events.EventAggregationFinished,
			Message:  "aggregation finished",
			Metadata: map[string]string{"job_id": job.ID, "output_ref": latest.OutputRef},
		})
		return c.finalize(job, types.JobStatusCompleted, nil)

	case types.TaskStatusFailedRetryable:
		if latest.Attempt <= job.Spec.Retry.MaxRetryPhases {
			task := c.newTask(job.ID, aggregateBatchID, types.TaskRoleAggregator, types.PhaseAggregation, latest.Attempt+1, queue.PriorityAggregation)
			task, err := c.resolveTask(task, c.store.CreateTask(task))
			if err != nil {
				return err
			}
			if task.Status.Terminal() {
				return c.store.UpdateJob(job)
			}
			return c.queue.Enqueue([]*types.Task{task})
		}
		// Exhausted: fail the job but keep worker outputs for manual
		// recovery
		return c.finalize(job, types.JobStatusFailed, c.failureReason(job))

	case types.TaskStatusFailedTerminal, types.TaskStatusCancelled:
		return c.finalize(job, types.JobStatusFailed, c.failureReason(job))
	}
	return c.store.UpdateJob(job)
}

// finalize writes the terminal job state. A nil reason keeps whatever
// failure report accumulated earlier, so a job that completes with promoted
// terminal batches retains its partial-failure report.
func (c *Coordinator) finalize(job *types.Job, status types.JobStatus, reason *types.FailureReason) error {
	job.Status = status
	if reason != nil {
		job.FailureReason = reason
	}
	job.CompletedAt = c.now()
	if err := c.store.UpdateJob(job); err != nil {
		return err
	}

	eventType := events.EventJobCompleted
	msg := "job completed"
	if status == types.JobStatusFailed {
		eventType = events.EventJobFailed
		msg = "job failed"
	}
	c.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  msg,
		Metadata: map[string]string{"job_id": job.ID},
	})
	c.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("succeeded", job.Counters.Succeeded).
		Int("failed_terminal", job.Counters.FailedTerminal).
		Msg(msg)
	return nil
}

// failureReason samples the first recorded task error for the job report
func (c *Coordinator) failureReason(job *types.Job) *types.FailureReason {
	reason := &types.FailureReason{
		PhaseFailed:    job.Phase,
		RetryableCount: job.Counters.FailedRetryable,
		TerminalCount:  job.Counters.FailedTerminal,
	}
	tasks, err := c.store.ListTasks(job.ID)
	if err != nil {
		return reason
	}
	for _, t := range tasks {
		if t.Error != nil {
			reason.FirstErrorSample = t.Error.Message
			break
		}
	}
	return reason
}

func (c *Coordinator) newTask(jobID, batchID string, role types.TaskRole, phase string, attempt, priority int) *types.Task {
	return &types.Task{
		ID:        uuid.NewString(),
		JobID:     jobID,
		BatchID:   batchID,
		Role:      role,
		Phase:     phase,
		Attempt:   attempt,
		Priority:  priority,
		Status:    types.TaskStatusPending,
		CreatedAt: c.now(),
	}
}
