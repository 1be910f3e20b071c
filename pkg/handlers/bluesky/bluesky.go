// Package bluesky provides the profile backfill handler. Each input record
// is an actor identifier (handle or DID); the handler fetches the actor's
// profile from an ATProto appview and emits it as one NDJSON record.
//
// Every outbound request takes a token from the shared rate-limit budget, so
// total request rate stays bounded no matter how many workers run. Progress
// is checkpointed so a retried attempt resumes where the previous one died
// instead of re-fetching the whole batch.
package bluesky

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/handler"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/hashicorp/go-cleanhttp"
)

// Ref is the registry name of the bluesky profile handler
const Ref = "bluesky/get-profiles/v1"

// Config keys understood by the handler:
//
//	endpoint  rate-limit endpoint name (default "public.api.bsky.app")
//	base_url  appview base URL (default "https://public.api.bsky.app")
const (
	keyEndpoint = "endpoint"
	keyBaseURL  = "base_url"

	defaultEndpoint = "public.api.bsky.app"
	defaultBaseURL  = "https://public.api.bsky.app"

	// checkpointEvery bounds re-fetched work after a crash
	checkpointEvery = 25

	maxResponseBytes = 1 << 20
)

func init() {
	handler.Register(Ref, NewHandler())
}

// Handler fetches actor profiles from an ATProto appview
type Handler struct {
	http *http.Client
}

// NewHandler creates the handler with a pooled HTTP client
func NewHandler() *Handler {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = 15 * time.Second
	return &Handler{http: c}
}

// Partition slices the actor list into batches
func (h *Handler) Partition(ctx context.Context, spec *types.JobSpec, artifacts *artifact.Store, jobID string) ([]handler.BatchInput, error) {
	return handler.PartitionLines(spec, artifacts, jobID)
}

// checkpointState is the resume cursor persisted between attempts. Offset
// is the scratch length at the cursor; bytes written past it were never
// checkpointed and are discarded on resume so the re-fetch cannot duplicate
// them.
type checkpointState struct {
	Done   int   `json:"done"`
	Offset int64 `json:"offset"`
}

// Run fetches one profile per input actor. Fetched records accumulate in a
// batch-scoped scratch file that survives attempts; the finished scratch is
// promoted to the task's output artifact and sealed with its done marker.
func (h *Handler) Run(ctx context.Context, tc *handler.TaskContext) (string, error) {
	actors, err := tc.Artifacts.ReadInput(tc.InputRef)
	if err != nil {
		return "", err
	}

	endpoint := tc.Config[keyEndpoint]
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	baseURL := tc.Config[keyBaseURL]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	state := h.loadState(tc)
	if state.Done > len(actors) {
		state = checkpointState{}
	}

	scratchPath := tc.Artifacts.Path(scratchRef(tc.JobID, tc.BatchID))
	if err := os.MkdirAll(filepath.Dir(scratchPath), 0755); err != nil {
		return "", err
	}
	if state.Done == 0 {
		// Fresh start invalidates any scratch left by a dead attempt
		if err := os.Remove(scratchPath); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	} else if err := os.Truncate(scratchPath, state.Offset); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		// Scratch vanished under the checkpoint; start the batch over
		state = checkpointState{}
	}
	scratch, err := os.OpenFile(scratchPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}
	offset := state.Offset

	logger := tc.Logger
	if state.Done > 0 {
		logger.Info().Int("done", state.Done).Int("total", len(actors)).Msg("resuming from checkpoint")
	}

	for i := state.Done; i < len(actors); i++ {
		select {
		case <-ctx.Done():
			scratch.Close()
			return "", ctx.Err()
		case <-tc.Checkpoint.Cancelled():
			scratch.Close()
			return "", context.Canceled
		default:
		}

		if _, err := tc.Limiter.Acquire(ctx, endpoint, 1); err != nil {
			scratch.Close()
			return "", err
		}

		record, skip, err := h.fetchProfile(ctx, baseURL, actors[i])
		if err != nil {
			scratch.Close()
			h.saveState(tc, checkpointState{Done: i, Offset: offset})
			return "", err
		}
		if skip {
			logger.Warn().Str("actor", actors[i]).Msg("actor not found, skipping")
		} else {
			n, err := scratch.Write(append(record, '\n'))
			if err != nil {
				scratch.Close()
				return "", err
			}
			offset += int64(n)
		}

		if (i+1)%checkpointEvery == 0 {
			if err := scratch.Sync(); err != nil {
				scratch.Close()
				return "", err
			}
			h.saveState(tc, checkpointState{Done: i + 1, Offset: offset})
		}
	}

	if err := scratch.Close(); err != nil {
		return "", err
	}

	outputRef, err := h.promote(tc, scratchPath)
	if err != nil {
		return "", err
	}
	_ = os.Remove(scratchPath)
	return outputRef, nil
}

// fetchProfile calls app.bsky.actor.getProfile for one actor. A missing
// actor is data, not failure: skip is true and the caller drops the record.
func (h *Handler) fetchProfile(ctx context.Context, baseURL, actor string) ([]byte, bool, error) {
	u := baseURL + "/xrpc/app.bsky.actor.getProfile?actor=" + url.QueryEscape(actor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &handler.HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false, err
	}
	if !json.Valid(body) {
		return nil, false, fmt.Errorf("appview returned malformed json for actor %s", actor)
	}

	var compact json.RawMessage
	if err := json.Unmarshal(body, &compact); err != nil {
		return nil, false, err
	}
	out, err := json.Marshal(compact)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

// promote copies the finished scratch into the task's output artifact and
// writes its done marker
func (h *Handler) promote(tc *handler.TaskContext, scratchPath string) (string, error) {
	outputRef := artifact.TaskOutputRef(tc.JobID, tc.TaskID, "ndjson")
	w, err := tc.Artifacts.Create(outputRef)
	if err != nil {
		return "", err
	}

	f, err := os.Open(scratchPath)
	if err != nil {
		_ = w.Abort()
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := w.WriteRecord(scanner.Bytes()); err != nil {
			_ = w.Abort()
			return "", err
		}
	}
	if err := scanner.Err(); err != nil {
		_ = w.Abort()
		return "", err
	}

	if _, err := w.Finish(tc.TaskID); err != nil {
		return "", err
	}
	return outputRef, nil
}

func (h *Handler) loadState(tc *handler.TaskContext) checkpointState {
	var state checkpointState
	if data, ok := tc.Checkpoint.Load(); ok {
		if err := json.Unmarshal(data, &state); err != nil || state.Done < 0 || state.Offset < 0 {
			return checkpointState{}
		}
	}
	return state
}

func (h *Handler) saveState(tc *handler.TaskContext, state checkpointState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = tc.Checkpoint.Save(data)
}

func scratchRef(jobID, batchID string) string {
	return filepath.Join("jobs", jobID, "scratch", batchID+".ndjson")
}
