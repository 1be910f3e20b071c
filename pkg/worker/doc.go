/*
Package worker provides task execution for Skyfill.

A worker pool claims leased tasks from the durable queue and runs their
handlers under a watchdog that enforces lease liveness, soft timeouts, panic
containment, and cooperative cancellation. Task outcomes flow back through
the queue; the pool never touches job state.

# Architecture

	┌──────────────────── WORKER POOL ─────────────────────────┐
	│                                                            │
	│   Slot 0          Slot 1          Slot N                   │
	│     │               │               │                      │
	│     ▼               ▼               ▼                      │
	│  ┌──────────────────────────────────────────┐             │
	│  │ Dequeue (claims task + lease atomically) │             │
	│  └──────────────────┬───────────────────────┘             │
	│                     ▼                                      │
	│  ┌──────────────────────────────────────────┐             │
	│  │ execute:                                  │             │
	│  │  - heartbeat loop (lease/3 interval)      │             │
	│  │  - soft timeout at 0.9 × lease            │             │
	│  │  - panic recovery → retryable/poison      │             │
	│  │  - output marker validation               │             │
	│  └──────────────────┬───────────────────────┘             │
	│                     ▼                                      │
	│             Ack / Nack with outcome                        │
	└────────────────────────────────────────────────────────┘

# Lease Protocol

Each claimed task is heartbeated at a third of the lease duration. A
heartbeat that fails twice in a row means the lease is gone or the job was
cancelled; the run context is cancelled and the handler is expected to stop.
The soft timeout fires slightly before lease expiry so the worker can record
a retryable outcome itself instead of leaving an orphan for reclaim.

# Failure Handling

Handler errors are classified into the runtime's failure taxonomy (terminal,
retryable, rate-limited, cancelled). Panics are contained per slot: the first
panic of a batch records a retryable failure, a second consecutive panic for
the same batch quarantines it as poison with a terminal outcome. A successful
run resets the batch's panic count.

A success whose output artifact lacks a valid done marker is converted to a
retryable failure, so a half-written output can never satisfy a batch.

# Usage

	pool := worker.NewPool(worker.Config{WorkerID: id, Slots: 4}, store, q,
	    limiter, artifacts, broker, merger)
	pool.Start()
	defer pool.Stop()
*/
package worker
