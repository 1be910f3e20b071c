package handler

import (
	"errors"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
)

// Checkpoint lets a handler persist resume state keyed by its task attempt.
// Checkpoints are advisory: the runtime never depends on their presence, and
// a corrupt checkpoint reads as absent so the handler restarts from scratch.
type Checkpoint struct {
	store   storage.Store
	jobID   string
	batchID string
	attempt int
	cancel  <-chan struct{}
}

// NewCheckpoint builds a checkpoint handle for one task attempt. The cancel
// channel is closed when the runtime wants the handler to stop; handlers
// doing long loops select on Cancelled().
func NewCheckpoint(store storage.Store, jobID, batchID string, attempt int, cancel <-chan struct{}) *Checkpoint {
	return &Checkpoint{
		store:   store,
		jobID:   jobID,
		batchID: batchID,
		attempt: attempt,
		cancel:  cancel,
	}
}

// Save persists checkpoint bytes for the current attempt
func (c *Checkpoint) Save(data []byte) error {
	return c.store.PutCheckpoint(types.AttemptKey(c.jobID, c.batchID, c.attempt), data)
}

// Load returns checkpoint bytes from the current attempt, falling back to
// the previous attempt so retries can resume where the last attempt died.
func (c *Checkpoint) Load() ([]byte, bool) {
	for attempt := c.attempt; attempt >= 1 && attempt >= c.attempt-1; attempt-- {
		data, err := c.store.GetCheckpoint(types.AttemptKey(c.jobID, c.batchID, attempt))
		if err == nil {
			return data, true
		}
		if !errors.Is(err, storage.ErrNotFound) {
			// Unreadable checkpoint is treated as absent
			return nil, false
		}
	}
	return nil, false
}

// Clear removes checkpoints for this attempt and the previous one
func (c *Checkpoint) Clear() {
	for attempt := c.attempt; attempt >= 1 && attempt >= c.attempt-1; attempt-- {
		_ = c.store.DeleteCheckpoint(types.AttemptKey(c.jobID, c.batchID, attempt))
	}
}

// Cancelled exposes the cooperative cancellation signal
func (c *Checkpoint) Cancelled() <-chan struct{} {
	return c.cancel
}
