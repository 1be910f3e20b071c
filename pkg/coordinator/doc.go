/*
Package coordinator provides job lifecycle management for Skyfill.

The coordinator owns every job state transition. It accepts job submissions,
partitions input into batches, plans retry phases for failed batches, starts
aggregation once workers finish, and drives jobs to a terminal state. Workers
never mutate job state; they only record task outcomes, which the coordinator
folds into job decisions on its next tick.

# Architecture

The coordinator runs a fixed-interval tick loop. Each tick reconstructs what
it needs from the store, so a coordinator crash loses nothing: the next tick
(of this process or a restarted one) picks up where the state says things are.

	┌────────────────────────────────────────────────────────────┐
	│                   Coordinator Tick (2s)                    │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  For each non-terminal job:                                │
	│    1. Acquire the job lock (skip job if held elsewhere)    │
	│    2. Count task outcomes for the current phase            │
	│    3. Decide:                                              │
	│       • tasks still running      → wait                    │
	│       • retryable failures left  → plan retry phase        │
	│       • retries exhausted        → aggregate or fail       │
	│       • aggregation done         → complete                │
	│    4. Commit the decision with a versioned job update      │
	└────────────────────────────────────────────────────────────┘

# Job Lifecycle

	PENDING → RUNNING → AGGREGATING → COMPLETED
	   │         │           │
	   └─────────┴───────────┴──────→ FAILED / CANCELLED

Submission validates the spec, resolves the handler, partitions input into
batches, creates one attempt-1 task per batch, and enqueues them. A job with
zero batches completes immediately.

# Retry Phases

Retries are planned per phase, not per task. When all workers of the current
phase are terminal and some batches' latest attempts are retryable, the
coordinator arms a backoff deadline; once it passes, it creates next-attempt
tasks for exactly the failed batches at elevated queue priority. Phases are
bounded by the spec's MaxRetryPhases, after which the job either aggregates
the successes it has or fails if there are none.

Backoff doubles per completed phase when the spec says exponential, capped by
the spec's CapMs.

# Aggregation

Once worker attempts settle with at least one success, the coordinator emits
a single aggregator task. A retryable aggregation failure re-emits the task
with a bounded attempt number; a terminal one fails the job while leaving
worker outputs in place so a fixed aggregator can be rerun by resubmission.

# Coordination

Ticks take a per-job advisory lock before acting, so overlapping coordinators
(or a slow previous tick) never double-plan a phase. Version conflicts on the
job update abort the tick's decision; the next tick re-reads and re-decides.

# Usage

	coord := coordinator.New(coordinator.Config{}, store, q, artifacts, broker)
	coord.Start()
	defer coord.Stop()

	job, err := coord.Submit(ctx, spec, "cli")
	if errors.Is(err, coordinator.ErrUnknownHandler) {
	    // spec names a handler this binary does not register
	}
*/
package coordinator
