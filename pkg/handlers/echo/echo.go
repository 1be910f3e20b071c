// Package echo provides a trivial handler that copies input records to its
// output. It exists for smoke tests and demos; its config keys inject
// deterministic failures so retry, poison and timeout behavior can be
// exercised end to end.
package echo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/handler"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
)

// Ref is the registry name of the echo handler
const Ref = "echo/v1"

// Config keys understood by the echo handler:
//
//	fail_records_containing     retryable failure on matching records
//	terminal_records_containing terminal failure on matching records
//	panic_records_containing    panic on matching records
//	fail_until_attempt          retryable failure while attempt < N
//	delay_ms                    per-record sleep, for timeout testing
const (
	keyFailContaining     = "fail_records_containing"
	keyTerminalContaining = "terminal_records_containing"
	keyPanicContaining    = "panic_records_containing"
	keyFailUntilAttempt   = "fail_until_attempt"
	keyDelayMs            = "delay_ms"
)

func init() {
	handler.Register(Ref, &Handler{})
}

// Handler echoes input records to the task output
type Handler struct{}

// Partition slices line-oriented input into batches
func (h *Handler) Partition(ctx context.Context, spec *types.JobSpec, artifacts *artifact.Store, jobID string) ([]handler.BatchInput, error) {
	return handler.PartitionLines(spec, artifacts, jobID)
}

// Run copies the batch records to a fresh output artifact
func (h *Handler) Run(ctx context.Context, tc *handler.TaskContext) (string, error) {
	if v := tc.Config[keyFailUntilAttempt]; v != "" {
		until, err := strconv.Atoi(v)
		if err == nil && tc.Attempt < until {
			return "", handler.Retryablef("injected failure on attempt %d", tc.Attempt)
		}
	}

	records, err := tc.Artifacts.ReadInput(tc.InputRef)
	if err != nil {
		return "", err
	}

	var delay time.Duration
	if v := tc.Config[keyDelayMs]; v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			delay = time.Duration(ms) * time.Millisecond
		}
	}

	outputRef := artifact.TaskOutputRef(tc.JobID, tc.TaskID, "txt")
	w, err := tc.Artifacts.Create(outputRef)
	if err != nil {
		return "", err
	}

	for _, rec := range records {
		select {
		case <-ctx.Done():
			_ = w.Abort()
			return "", ctx.Err()
		default:
		}

		if sub := tc.Config[keyPanicContaining]; sub != "" && strings.Contains(rec, sub) {
			_ = w.Abort()
			panic("injected panic on record " + rec)
		}
		if sub := tc.Config[keyTerminalContaining]; sub != "" && strings.Contains(rec, sub) {
			_ = w.Abort()
			return "", handler.Terminalf("record %q matched %s", rec, keyTerminalContaining)
		}
		if sub := tc.Config[keyFailContaining]; sub != "" && strings.Contains(rec, sub) {
			_ = w.Abort()
			return "", handler.Retryablef("record %q matched %s", rec, keyFailContaining)
		}

		if delay > 0 {
			time.Sleep(delay)
		}
		if err := w.WriteRecord([]byte(rec)); err != nil {
			_ = w.Abort()
			return "", err
		}
	}

	if _, err := w.Finish(tc.TaskID); err != nil {
		return "", err
	}
	return outputRef, nil
}
