/*
Package queue provides the durable task queue facade.

The queue is a thin layer over the store's queue bucket: Enqueue registers
pending tasks at a priority, Dequeue claims ready tasks together with their
leases in one transaction, and Ack/Nack record outcomes. Delivery is
at-least-once; a claimed entry survives until its outcome is terminal, so a
worker crash leads to redelivery after lease expiry rather than loss.

Priorities order whole classes of work:

	PriorityAggregation (20)  aggregator tasks, always first
	PriorityRetry       (10)  retry-phase attempts
	PriorityDefault      (0)  initial attempts

FIFO holds within a priority. Enqueueing the same task twice is a no-op.
*/
package queue
