package types

import (
	"strconv"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusRunning     JobStatus = "running"
	JobStatusAggregating JobStatus = "aggregating"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether the job status is final
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a task attempt
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusLeased          TaskStatus = "leased"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusSuccess         TaskStatus = "success"
	TaskStatusFailedRetryable TaskStatus = "failed_retryable"
	TaskStatusFailedTerminal  TaskStatus = "failed_terminal"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether the task status is final for this attempt
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailedRetryable, TaskStatusFailedTerminal, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskRole defines what kind of work a task performs
type TaskRole string

const (
	TaskRoleWorker      TaskRole = "worker"
	TaskRoleAggregator  TaskRole = "aggregator"
	TaskRoleCoordinator TaskRole = "coordinator"
)

// Task phases. Retry phases are "retry_1", "retry_2", ...
const (
	PhaseInitial     = "initial"
	PhaseAggregation = "aggregation"
)

// ErrorKind classifies a task failure
type ErrorKind string

const (
	ErrorKindRetryable ErrorKind = "retryable"
	ErrorKindTerminal  ErrorKind = "terminal"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindPoison    ErrorKind = "poison"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// TaskError is the structured error recorded on a failed task
type TaskError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	RetriesSoFar int       `json:"retries_so_far"`
}

// JobCounters aggregates task counts by status. Counters are derived from
// task state by the coordinator tick, never the other way around.
type JobCounters struct {
	Pending         int `json:"pending"`
	Leased          int `json:"leased"`
	Running         int `json:"running"`
	Succeeded       int `json:"succeeded"`
	FailedRetryable int `json:"failed_retryable"`
	FailedTerminal  int `json:"failed_terminal"`
	Cancelled       int `json:"cancelled"`
}

// NonTerminal returns the number of tasks still in flight
func (c JobCounters) NonTerminal() int {
	return c.Pending + c.Leased + c.Running
}

// FailureReason is the job-level structured failure report
type FailureReason struct {
	PhaseFailed      string `json:"phase_failed"`
	RetryableCount   int    `json:"retryable_count"`
	TerminalCount    int    `json:"terminal_count"`
	FirstErrorSample string `json:"first_error_sample"`
}

// Job represents a single submission of a distributed workflow
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	HandlerRef  string    `json:"handler_ref"`
	Spec        *JobSpec  `json:"spec"`
	SubmittedAt time.Time `json:"submitted_at"`
	SubmittedBy string    `json:"submitted_by"`

	Status           JobStatus      `json:"status"`
	Phase            string         `json:"phase"`
	RetryPhase       int            `json:"retry_phase"`
	NextRetryAt      time.Time      `json:"next_retry_at,omitempty"`
	BatchCount       int            `json:"batch_count"`
	Counters         JobCounters    `json:"counters"`
	OrphansReclaimed int            `json:"orphans_reclaimed"`
	FailureReason    *FailureReason `json:"failure_reason,omitempty"`
	AggregateRef     string         `json:"aggregate_ref,omitempty"`
	CompletedAt      time.Time      `json:"completed_at,omitempty"`

	// Version guards compare-and-swap updates in the store
	Version uint64 `json:"version"`
}

// Batch is a read-only slice of input data. Batches are created exactly once
// per job; retries reference the same batch.
type Batch struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Index       int       `json:"index"`
	InputRef    string    `json:"input_ref"`
	RecordCount int       `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is one execution attempt against one batch. Task identity is
// (job_id, batch_id, attempt).
type Task struct {
	ID      string   `json:"id"`
	JobID   string   `json:"job_id"`
	BatchID string   `json:"batch_id"`
	Role    TaskRole `json:"role"`
	Phase   string   `json:"phase"`
	Attempt int      `json:"attempt"`

	Priority int        `json:"priority"`
	Status   TaskStatus `json:"status"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	OutputRef string     `json:"output_ref,omitempty"`
	Error     *TaskError `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// AttemptKey returns the identity key of this attempt
func (t *Task) AttemptKey() string {
	return AttemptKey(t.JobID, t.BatchID, t.Attempt)
}

// Lease is the time-bounded exclusive right to mutate a task's state
type Lease struct {
	TaskID      string    `json:"task_id"`
	WorkerID    string    `json:"worker_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the lease has passed its expiry at the given instant
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// TokenBucket is the persisted rate-limit state for one (endpoint, credential)
// pair. Updates go through versioned compare-and-swap writes.
type TokenBucket struct {
	Endpoint     string    `json:"endpoint"`
	Credential   string    `json:"credential"`
	Capacity     float64   `json:"capacity"`
	RefillPerSec float64   `json:"refill_per_sec"`
	Available    float64   `json:"available"`
	LastRefillAt time.Time `json:"last_refill_at"`
	Version      uint64    `json:"version"`
}

// Key returns the storage key for this bucket
func (b *TokenBucket) Key() string {
	return b.Endpoint + "/" + b.Credential
}

// Outcome is the terminal result a worker commits for a leased task
type Outcome struct {
	Status    TaskStatus `json:"status"`
	OutputRef string     `json:"output_ref,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
}

// DoneMarker is the sibling object written after an output artifact. An
// artifact without its marker is invisible to readers.
type DoneMarker struct {
	TaskID      string    `json:"task_id"`
	OutputURI   string    `json:"output_uri"`
	Checksum    string    `json:"checksum"`
	RecordCount int64     `json:"record_count"`
	WrittenAt   time.Time `json:"written_at"`
}

// AttemptKey builds the unique identity key for a task attempt
func AttemptKey(jobID, batchID string, attempt int) string {
	return jobID + "/" + batchID + "/" + strconv.Itoa(attempt)
}
