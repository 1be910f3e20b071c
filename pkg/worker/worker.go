package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/events"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/handler"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/metrics"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/queue"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/ratelimit"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Aggregator runs merge tasks. Implemented by pkg/aggregator; injected here
// so the pool can execute aggregator-role tasks through the same lease and
// heartbeat machinery as worker tasks.
type Aggregator interface {
	Run(ctx context.Context, job *types.Job, task *types.Task) (string, error)
}

// Config holds worker pool configuration
type Config struct {
	WorkerID      string
	Slots         int
	LeaseDuration time.Duration
	PollInterval  time.Duration
}

func (c *Config) defaults() {
	if c.Slots <= 0 {
		c.Slots = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Pool executes handler code for leased tasks. Each slot is an independent
// failure domain running one task at a time.
type Pool struct {
	cfg       Config
	store     storage.Store
	queue     *queue.Queue
	limiter   *ratelimit.Manager
	artifacts *artifact.Store
	broker    *events.Broker
	agg       Aggregator

	// Consecutive handler panics per batch; two in a row quarantines the
	// batch as poison regardless of classification
	poisonMu sync.Mutex
	panics   map[string]int

	stopCh chan struct{}
	group  *errgroup.Group
}

// NewPool creates a worker pool
func NewPool(cfg Config, store storage.Store, q *queue.Queue, limiter *ratelimit.Manager, artifacts *artifact.Store, broker *events.Broker, agg Aggregator) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:       cfg,
		store:     store,
		queue:     q,
		limiter:   limiter,
		artifacts: artifacts,
		broker:    broker,
		agg:       agg,
		panics:    make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// Start launches all slots
func (p *Pool) Start() {
	group, _ := errgroup.WithContext(context.Background())
	p.group = group
	for i := 0; i < p.cfg.Slots; i++ {
		slot := i
		group.Go(func() error {
			p.runSlot(slot)
			return nil
		})
	}
}

// Stop signals all slots and waits for in-flight tasks to settle
func (p *Pool) Stop() {
	close(p.stopCh)
	if p.group != nil {
		_ = p.group.Wait()
	}
}

// slotID builds the lease owner identity for a slot
func (p *Pool) slotID(slot int) string {
	return p.cfg.WorkerID + "/slot-" + strconv.Itoa(slot)
}

func (p *Pool) runSlot(slot int) {
	ownerID := p.slotID(slot)
	logger := log.WithWorkerID(ownerID)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		leased, err := p.queue.Dequeue(ownerID, 1, p.cfg.LeaseDuration)
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if len(leased) == 0 {
			p.sleep(p.cfg.PollInterval)
			continue
		}

		qt := leased[0]
		p.reportReclaim(ownerID, qt)
		p.execute(ownerID, logger.With().Str("task_id", qt.Task.ID).Logger(), qt)
	}
}

// reportReclaim surfaces an expired-lease takeover observed during dequeue
func (p *Pool) reportReclaim(ownerID string, qt *storage.QueuedTask) {
	if !qt.Reclaimed {
		return
	}
	metrics.LeasesReclaimed.Inc()
	p.broker.Publish(&events.Event{
		Type:     events.EventTaskReclaimed,
		Message:  "expired lease reclaimed",
		Metadata: map[string]string{"task_id": qt.Task.ID, "job_id": qt.Task.JobID, "worker_id": ownerID},
	})
	logger := log.WithWorkerID(ownerID)
	logger.Info().Str("task_id", qt.Task.ID).Msg("reclaimed expired lease")
}

func (p *Pool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stopCh:
	case <-timer.C:
	}
}

// taskResult carries the handler outcome across the run goroutine boundary
type taskResult struct {
	outputRef string
	err       error
	panicked  bool
}

func (p *Pool) execute(ownerID string, logger zerolog.Logger, qt *storage.QueuedTask) {
	task := qt.Task

	job, err := p.store.GetJob(task.JobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load job, abandoning task")
		return
	}

	var h handler.Handler
	if task.Role == types.TaskRoleWorker {
		var ok bool
		h, ok = handler.Lookup(job.HandlerRef)
		if !ok {
			// Handler vanished between submission and execution; nothing
			// will ever run this batch
			p.nack(ownerID, task, types.Outcome{
				Status: types.TaskStatusFailedTerminal,
				Error:  &types.TaskError{Kind: types.ErrorKindTerminal, Message: "handler not registered: " + job.HandlerRef},
			})
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Soft timeout at 0.9 x lease; the handler is cancelled cooperatively
	// and the attempt nacked retryable
	softTimeout := time.Duration(float64(p.cfg.LeaseDuration) * 0.9)
	var timedOut, jobCancelled, abandoned bool
	var stateMu sync.Mutex
	softTimer := time.AfterFunc(softTimeout, func() {
		stateMu.Lock()
		timedOut = true
		stateMu.Unlock()
		cancel()
	})
	defer softTimer.Stop()

	// Heartbeat at lease/3; two consecutive failures abandon the task and
	// let the lease expire for someone else to reclaim
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.store.Heartbeat(task.ID, ownerID, p.cfg.LeaseDuration)
				if err == nil {
					failures = 0
					continue
				}
				if errors.Is(err, storage.ErrJobCancelled) {
					stateMu.Lock()
					jobCancelled = true
					stateMu.Unlock()
					cancel()
					return
				}
				failures++
				logger.Warn().Err(err).Int("failures", failures).Msg("heartbeat failed")
				if failures >= 2 {
					stateMu.Lock()
					abandoned = true
					stateMu.Unlock()
					metrics.LeasesExpired.Inc()
					cancel()
					return
				}
			}
		}
	}()

	if err := p.store.MarkTaskRunning(task.ID, ownerID); err != nil {
		logger.Warn().Err(err).Msg("failed to mark task running, abandoning")
		return
	}

	p.broker.Publish(&events.Event{
		Type:     events.EventTaskLeased,
		Message:  "task leased",
		Metadata: map[string]string{"task_id": task.ID, "job_id": task.JobID, "worker_id": ownerID},
	})

	tc := &handler.TaskContext{
		JobID:      task.JobID,
		TaskID:     task.ID,
		BatchID:    task.BatchID,
		Attempt:    task.Attempt,
		InputRef:   batchInputRef(p.store, task),
		Spec:       job.Spec,
		Config:     job.Spec.Config,
		Limiter:    p.limiter,
		Checkpoint: handler.NewCheckpoint(p.store, task.JobID, task.BatchID, task.Attempt, ctx.Done()),
		Artifacts:  p.artifacts,
		Logger:     logger,
	}

	resultCh := make(chan taskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- taskResult{err: fmt.Errorf("handler panic: %v", r), panicked: true}
			}
		}()
		var ref string
		var err error
		if task.Role == types.TaskRoleAggregator {
			ref, err = p.agg.Run(ctx, job, task)
		} else {
			ref, err = h.Run(ctx, tc)
		}
		resultCh <- taskResult{outputRef: ref, err: err}
	}()

	result := <-resultCh
	cancel()
	<-hbDone

	stateMu.Lock()
	timedOutFinal, cancelledFinal, abandonedFinal := timedOut, jobCancelled, abandoned
	stateMu.Unlock()

	if abandonedFinal {
		// Lease authority is gone; leave the attempt for reclamation
		logger.Warn().Msg("task abandoned after heartbeat failures")
		return
	}

	p.trackPanic(task.BatchID, result.panicked)

	switch {
	case cancelledFinal:
		p.nack(ownerID, task, types.Outcome{
			Status: types.TaskStatusCancelled,
			Error:  &types.TaskError{Kind: types.ErrorKindCancelled, Message: "job cancelled"},
		})
	case result.err == nil:
		p.ack(ownerID, logger, task, result.outputRef)
	default:
		p.fail(ownerID, logger, task, result, timedOutFinal)
	}
}

// ack validates the output artifact before committing success: the artifact
// must exist, carry a done marker, and match its recorded checksum.
func (p *Pool) ack(ownerID string, logger zerolog.Logger, task *types.Task, outputRef string) {
	if err := p.artifacts.Verify(outputRef); err != nil {
		logger.Error().Err(err).Str("output_ref", outputRef).Msg("output validation failed")
		p.nack(ownerID, task, types.Outcome{
			Status: types.TaskStatusFailedRetryable,
			Error: &types.TaskError{
				Kind:         types.ErrorKindRetryable,
				Message:      fmt.Sprintf("output validation failed: %v", err),
				RetriesSoFar: task.Attempt - 1,
			},
		})
		return
	}

	if err := p.queue.Ack(task.ID, ownerID, outputRef); err != nil {
		// Ownership mismatch after reclaim, or a replayed commit
		logger.Warn().Err(err).Msg("ack rejected")
		return
	}

	// Checkpoints for this batch are obsolete once an attempt succeeds
	handler.NewCheckpoint(p.store, task.JobID, task.BatchID, task.Attempt, nil).Clear()

	metrics.TasksCompleted.WithLabelValues("success").Inc()
	p.broker.Publish(&events.Event{
		Type:     events.EventTaskSucceeded,
		Message:  "task succeeded",
		Metadata: map[string]string{"task_id": task.ID, "job_id": task.JobID},
	})
	logger.Info().Str("output_ref", outputRef).Msg("task succeeded")
}

func (p *Pool) fail(ownerID string, logger zerolog.Logger, task *types.Task, result taskResult, timedOut bool) {
	kind := handler.Classify(result.err)
	if timedOut {
		kind = types.ErrorKindRetryable
	}
	if result.panicked && p.isPoison(task.BatchID) {
		kind = types.ErrorKindPoison
	}

	metrics.HandlerErrors.WithLabelValues(string(kind)).Inc()

	status := types.TaskStatusFailedRetryable
	if kind == types.ErrorKindTerminal || kind == types.ErrorKindPoison {
		status = types.TaskStatusFailedTerminal
	}
	if kind == types.ErrorKindCancelled {
		status = types.TaskStatusCancelled
	}

	outcome := types.Outcome{
		Status: status,
		Error: &types.TaskError{
			Kind:         kind,
			Message:      result.err.Error(),
			RetriesSoFar: task.Attempt - 1,
		},
	}
	logger.Warn().
		Err(result.err).
		Str("classification", string(kind)).
		Str("status", string(status)).
		Msg("task failed")
	p.nack(ownerID, task, outcome)
}

func (p *Pool) nack(ownerID string, task *types.Task, outcome types.Outcome) {
	if err := p.queue.Nack(task.ID, ownerID, outcome); err != nil {
		logger := log.WithWorkerID(ownerID)
		logger.Warn().Err(err).Str("task_id", task.ID).Msg("nack rejected")
		return
	}
	metrics.TasksCompleted.WithLabelValues(string(outcome.Status)).Inc()
	p.broker.Publish(&events.Event{
		Type:     events.EventTaskFailed,
		Message:  "task failed",
		Metadata: map[string]string{"task_id": task.ID, "job_id": task.JobID, "status": string(outcome.Status)},
	})
}

// trackPanic updates the consecutive panic count for a batch
func (p *Pool) trackPanic(batchID string, panicked bool) {
	p.poisonMu.Lock()
	defer p.poisonMu.Unlock()
	if panicked {
		p.panics[batchID]++
	} else {
		delete(p.panics, batchID)
	}
}

// isPoison reports whether a batch has crashed handlers twice consecutively
func (p *Pool) isPoison(batchID string) bool {
	p.poisonMu.Lock()
	defer p.poisonMu.Unlock()
	return p.panics[batchID] >= 2
}

// batchInputRef resolves the input ref for a worker task's batch. Aggregator
// tasks carry no batch input.
func batchInputRef(store storage.Store, task *types.Task) string {
	if task.Role != types.TaskRoleWorker {
		return ""
	}
	batch, err := store.GetBatch(task.JobID, task.BatchID)
	if err != nil {
		return ""
	}
	return batch.InputRef
}
