package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/ratelimit"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/rs/zerolog"
)

// BatchInput is one partitioned slice of job input produced by a handler's
// Partition call. The coordinator turns each into a Batch plus an initial
// Task.
type BatchInput struct {
	InputRef    string
	RecordCount int
}

// TaskContext carries everything a handler run may touch. Handlers are pure
// functions of (input, config) to an output ref; their only sanctioned side
// effects are rate-limited external calls and checkpoint writes.
type TaskContext struct {
	JobID   string
	TaskID  string
	BatchID string
	Attempt int

	InputRef string
	Spec     *types.JobSpec
	Config   map[string]string

	Limiter    *ratelimit.Manager
	Checkpoint *Checkpoint
	Artifacts  *artifact.Store
	Logger     zerolog.Logger
}

// Handler is the extension point of the runtime. Partition slices job input
// into batches at submission; Run executes one task attempt and returns the
// output ref it wrote.
type Handler interface {
	Partition(ctx context.Context, spec *types.JobSpec, artifacts *artifact.Store, jobID string) ([]BatchInput, error)
	Run(ctx context.Context, tc *TaskContext) (string, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Handler)
)

// Register adds a handler under a stable ref. Registration happens at
// process start; duplicate refs are a programmer error.
func Register(ref string, h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[ref]; exists {
		panic(fmt.Sprintf("handler %q registered twice", ref))
	}
	registry[ref] = h
}

// Lookup resolves a handler ref
func Lookup(ref string) (Handler, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[ref]
	return h, ok
}

// Refs lists all registered handler refs
func Refs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	refs := make([]string, 0, len(registry))
	for ref := range registry {
		refs = append(refs, ref)
	}
	return refs
}
