/*
Package types defines the core data structures for Skyfill.

The types package is the foundation of the runtime, containing the entities
every other package shares: jobs, batches, tasks, leases, outcomes, done
markers, token buckets, and the job spec with its validation rules. It
imports nothing from the rest of the module, so any package can depend on it
without cycles.

# Identity Model

	Job    one submission, carries spec + status + counters
	Batch  one partition of the job's input, stable index
	Task   one attempt at one batch: (job_id, batch_id, attempt)

The task attempt triple is the deduplication key for the whole system:
queue delivery is at-least-once, but effects keyed by attempt identity
happen once.

# Statuses

Jobs move PENDING → RUNNING → AGGREGATING → COMPLETED, with FAILED and
CANCELLED as the other terminal states. Tasks move PENDING → LEASED →
RUNNING → {SUCCESS, FAILED_RETRYABLE, FAILED_TERMINAL, CANCELLED}. Terminal
states never transition again; Status.Terminal answers which side a status
is on.

JobSpec.Validate fills defaults (batch size, concurrency, retry phases,
fan-in, backoff curve) and rejects structurally invalid specs with errors
wrapping ErrInvalidSpec.
*/
package types
