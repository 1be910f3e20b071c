package aggregator

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *storage.BoltStore
	artifacts *artifact.Store
	merger    *Merger
	job       *types.Job
}

func newFixture(t *testing.T, fanIn int) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifacts, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)

	job := &types.Job{
		ID:         "job-1",
		Name:       "merge-test",
		HandlerRef: "echo/v1",
		Status:     types.JobStatusAggregating,
		Phase:      types.PhaseAggregation,
		Spec: &types.JobSpec{
			Name:       "merge-test",
			HandlerRef: "echo/v1",
			Output:     types.OutputSpec{Format: "lines", FanIn: fanIn},
		},
	}
	require.NoError(t, store.CreateJob(job))

	return &fixture{
		store:     store,
		artifacts: artifacts,
		merger:    NewMerger(store, artifacts),
		job:       job,
	}
}

// addOutput creates one successful worker task whose output artifact holds
// the given records. withMarker false simulates a crash between artifact and
// marker writes.
func (f *fixture) addOutput(t *testing.T, index int, records []string, withMarker bool) {
	t.Helper()
	batchID := fmt.Sprintf("batch-%d", index)
	taskID := fmt.Sprintf("task-%d", index)

	require.NoError(t, f.store.CreateBatch(&types.Batch{
		ID:          batchID,
		JobID:       f.job.ID,
		Index:       index,
		RecordCount: len(records),
	}))

	ref := artifact.TaskOutputRef(f.job.ID, taskID, "txt")
	w, err := f.artifacts.Create(ref)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, w.WriteRecord([]byte(rec)))
	}
	_, err = w.Finish(taskID)
	require.NoError(t, err)
	if !withMarker {
		// Simulate a crash between artifact and marker writes
		done := ref[:len(ref)-len(".txt")] + ".done"
		require.NoError(t, os.Remove(f.artifacts.Path(done)))
	}

	require.NoError(t, f.store.CreateTask(&types.Task{
		ID:        taskID,
		JobID:     f.job.ID,
		BatchID:   batchID,
		Role:      types.TaskRoleWorker,
		Phase:     types.PhaseInitial,
		Attempt:   1,
		Status:    types.TaskStatusSuccess,
		OutputRef: ref,
	}))
}

func (f *fixture) aggTask() *types.Task {
	return &types.Task{
		ID:      "agg-task",
		JobID:   f.job.ID,
		BatchID: "aggregate",
		Role:    types.TaskRoleAggregator,
		Phase:   types.PhaseAggregation,
		Attempt: 1,
	}
}

func (f *fixture) readFinal(t *testing.T, ref string) []string {
	t.Helper()
	data, err := os.ReadFile(f.artifacts.Path(ref))
	require.NoError(t, err)
	var lines []string
	for _, l := range splitNonEmpty(string(data)) {
		lines = append(lines, l)
	}
	return lines
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func TestMergePreservesBatchOrder(t *testing.T) {
	f := newFixture(t, 10)
	// Created out of order on purpose
	f.addOutput(t, 2, []string{"e", "f"}, true)
	f.addOutput(t, 0, []string{"a", "b"}, true)
	f.addOutput(t, 1, []string{"c", "d"}, true)

	ref, err := f.merger.Run(context.Background(), f.job, f.aggTask())
	require.NoError(t, err)
	assert.Equal(t, artifact.FinalRef(f.job.ID, "txt"), ref)

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, f.readFinal(t, ref))

	// The final artifact carries its own done marker
	marker, err := f.artifacts.Marker(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(6), marker.RecordCount)
}

func TestMergeHierarchical(t *testing.T) {
	f := newFixture(t, 2)
	var want []string
	for i := 0; i < 5; i++ {
		recs := []string{
			fmt.Sprintf("rec-%d-0", i),
			fmt.Sprintf("rec-%d-1", i),
		}
		f.addOutput(t, i, recs, true)
		want = append(want, recs...)
	}

	// Fan-in 2 over 5 inputs forces multiple merge levels
	ref, err := f.merger.Run(context.Background(), f.job, f.aggTask())
	require.NoError(t, err)

	assert.Equal(t, want, f.readFinal(t, ref))
	marker, err := f.artifacts.Marker(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(10), marker.RecordCount)
}

func TestMergeSkipsMarkerlessOutputs(t *testing.T) {
	f := newFixture(t, 10)
	f.addOutput(t, 0, []string{"a"}, true)
	f.addOutput(t, 1, []string{"ghost"}, false)
	f.addOutput(t, 2, []string{"b"}, true)

	ref, err := f.merger.Run(context.Background(), f.job, f.aggTask())
	require.NoError(t, err)

	// The marker-less output never existed as far as the merge is concerned
	assert.Equal(t, []string{"a", "b"}, f.readFinal(t, ref))
}

func TestMergeFailsWithNoVisibleOutputs(t *testing.T) {
	f := newFixture(t, 10)
	f.addOutput(t, 0, []string{"ghost"}, false)

	_, err := f.merger.Run(context.Background(), f.job, f.aggTask())
	assert.Error(t, err)
}

func TestMergeDetectsRecordCountDrift(t *testing.T) {
	f := newFixture(t, 10)
	f.addOutput(t, 0, []string{"a", "b"}, true)

	// Append a record behind the marker's back
	ref := artifact.TaskOutputRef(f.job.ID, "task-0", "txt")
	fh, err := os.OpenFile(f.artifacts.Path(ref), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = fh.WriteString("smuggled\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	_, err = f.merger.Run(context.Background(), f.job, f.aggTask())
	assert.ErrorContains(t, err, "marker says")
}

func TestMergeValidatesNDJSON(t *testing.T) {
	f := newFixture(t, 10)
	f.job.Spec.Output.Format = "ndjson"

	f.addOutput(t, 0, []string{`{"ok":true}`, `not json at all`}, true)

	_, err := f.merger.Run(context.Background(), f.job, f.aggTask())
	assert.ErrorContains(t, err, "malformed json")
}

func TestMergeSingleInput(t *testing.T) {
	f := newFixture(t, 10)
	f.addOutput(t, 0, []string{"only"}, true)

	ref, err := f.merger.Run(context.Background(), f.job, f.aggTask())
	require.NoError(t, err)
	assert.Equal(t, artifact.FinalRef(f.job.ID, "txt"), ref)
	assert.Equal(t, []string{"only"}, f.readFinal(t, ref))
}
