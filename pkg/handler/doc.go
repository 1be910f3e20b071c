/*
Package handler defines the extension point of the Skyfill runtime.

A handler is the unit of pluggable work. It partitions a job's input into
batches at submission time and runs one task attempt at execution time,
returning the output ref it wrote. Handlers register themselves under a
stable ref at process start; a job spec names the ref it wants.

# Contract

Handlers are pure functions of (input, config) to an output artifact. Their
sanctioned side effects are rate-limited external calls through the
TaskContext's Limiter and resume-state writes through its Checkpoint.
Anything else a handler touches will not survive retries, reclaims, or
worker migration.

	type Handler interface {
	    Partition(ctx, spec, artifacts, jobID) ([]BatchInput, error)
	    Run(ctx, tc *TaskContext) (string, error)
	}

Run must watch ctx and tc.Checkpoint.Cancelled() in long loops and abort its
output writer on every failure path, so a failed attempt leaves no visible
artifact.

# Failure Taxonomy

Errors returned from Run are classified: explicit TerminalError fails the
batch permanently, explicit RetryableError (and most transient conditions,
HTTP 5xx, timeouts, 429) leaves the batch eligible for a retry phase, and
context cancellation records a cancelled outcome. Unknown errors default to
retryable, bounded by the job's retry budget. See Classify.

# Checkpoints

Checkpoint persists opaque resume state keyed by task attempt. Load falls
back to the previous attempt's state so a retry resumes where the dead
attempt stopped. Checkpoints are advisory: a corrupt one reads as absent and
the handler restarts from scratch.

PartitionLines and PartitionFiles cover the common partitioning shapes so
most handlers only implement Run.
*/
package handler
