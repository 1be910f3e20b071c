/*
Package storage provides persistent state management for Skyfill using BoltDB.

All runtime state lives in a single BoltDB file: jobs, batches, tasks, the
durable task queue, coordinator locks, rate-limit buckets, and handler
checkpoints. Values are JSON-serialized Go structs; keys are entity IDs. A
process restart loses nothing that was committed.

# Architecture

	┌──────────────────── STORAGE LAYER ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Store Interface                  │          │
	│  │  - CRUD for jobs / batches / tasks          │          │
	│  │  - Lease acquisition and heartbeats         │          │
	│  │  - Durable priority queue                   │          │
	│  │  - Job locks, buckets, checkpoints          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ Buckets:                   │             │          │
	│  │  │ jobs          (Job ID)     │             │          │
	│  │  │ batches       (job/batch)  │             │          │
	│  │  │ tasks         (Task ID)    │             │          │
	│  │  │ attempts      (job/b/n)    │             │          │
	│  │  │ queue         (prio+seq)   │             │          │
	│  │  │ job_locks     (Job ID)     │             │          │
	│  │  │ buckets       (endpoint)   │             │          │
	│  │  │ checkpoints   (job/b/n)    │             │          │
	│  │  └────────────────────────────┘             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  │  - Rollback: Automatic on error             │          │
	│  │  - Commit: Automatic on success + fsync     │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Concurrency Control

Jobs carry a monotonically increasing Version. UpdateJob is a compare-and-swap:
the write commits only when the stored version matches the caller's copy, and
returns ErrConflict otherwise. Callers re-read and retry; the coordinator
simply waits for its next tick.

Tasks are additionally keyed by attempt identity (job ID, batch ID, attempt
number) in the attempts bucket. Creating a second task for the same attempt
returns ErrAlreadyExists, which makes task creation idempotent across
coordinator crashes.

# Leases

A task must be leased before it runs. AcquireLease transitions a PENDING task
to LEASED and records the owner and expiry; a second acquire before expiry
returns ErrLeaseHeld. Expired leases are reclaimed inside Dequeue: the old
owner's subsequent CompleteTask or Heartbeat returns ErrLeaseLost, so at most
one owner can record an outcome.

CompleteTask is idempotent for the same owner and outcome, which makes
worker-side retries of the completion write safe. A different outcome for an
already-terminal task returns ErrConflict.

# Durable Queue

The queue bucket orders entries by inverted priority then enqueue sequence,
so higher priority dequeues first and FIFO holds within a priority. An entry
is NOT removed at dequeue time: it stays until Ack (success or terminal
failure) removes it. A worker crash merely lets the lease expire, after which
Dequeue redelivers the same entry to another worker. This yields at-least-once
delivery with effects deduplicated by attempt identity.

# Job Locks

AcquireJobLock grants a TTL-scoped advisory lock per job so only one
coordinator advances a job at a time. Locks are reentrant for the same owner
(renewal) and stealable after expiry. ReleaseJobLock by a non-owner is a
no-op.

# Usage

	store, err := storage.NewBoltStore("/var/lib/skyfill")
	if err != nil {
	    return err
	}
	defer store.Close()

	job := &types.Job{ID: id, Status: types.JobStatusPending}
	if err := store.CreateJob(job); err != nil {
	    return err
	}

	// Optimistic update
	job.Status = types.JobStatusRunning
	if err := store.UpdateJob(job); errors.Is(err, storage.ErrConflict) {
	    // re-read and retry
	}

# Performance Characteristics

	- Single writer: BoltDB serializes write transactions
	- Reads are concurrent mmap'd B+tree lookups
	- Dequeue is one write transaction per batch of claims
	- JSON codec favors debuggability over raw throughput
*/
package storage
