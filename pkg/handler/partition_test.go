package handler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newArtifactStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestPartitionLinesInline(t *testing.T) {
	artifacts := newArtifactStore(t)
	spec := &types.JobSpec{
		Input: types.InputSpec{
			Type:      "inline",
			Records:   []string{"a", "b", "c", "d", "e"},
			BatchSize: 2,
		},
	}

	inputs, err := PartitionLines(spec, artifacts, "job-1")
	require.NoError(t, err)
	require.Len(t, inputs, 3)

	assert.Equal(t, 2, inputs[0].RecordCount)
	assert.Equal(t, 2, inputs[1].RecordCount)
	assert.Equal(t, 1, inputs[2].RecordCount)

	records, err := artifacts.ReadInput(inputs[1].InputRef)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, records)
}

func TestPartitionLinesFile(t *testing.T) {
	artifacts := newArtifactStore(t)

	path := filepath.Join(t.TempDir(), "actors.txt")
	require.NoError(t, os.WriteFile(path, []byte("did:plc:aaa\n\ndid:plc:bbb\ndid:plc:ccc\n"), 0644))

	spec := &types.JobSpec{
		Input: types.InputSpec{Type: "file", Path: path, BatchSize: 10},
	}

	inputs, err := PartitionLines(spec, artifacts, "job-1")
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	// Blank lines are dropped before batching
	assert.Equal(t, 3, inputs[0].RecordCount)

	records, err := artifacts.ReadInput(inputs[0].InputRef)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:aaa", "did:plc:bbb", "did:plc:ccc"}, records)
}

func TestPartitionLinesMissingFile(t *testing.T) {
	artifacts := newArtifactStore(t)
	spec := &types.JobSpec{
		Input: types.InputSpec{Type: "file", Path: "/no/such/file"},
	}

	_, err := PartitionLines(spec, artifacts, "job-1")
	assert.Error(t, err)
}

func TestPartitionLinesEmptyInput(t *testing.T) {
	artifacts := newArtifactStore(t)
	spec := &types.JobSpec{
		Input: types.InputSpec{Type: "inline"},
	}

	inputs, err := PartitionLines(spec, artifacts, "job-1")
	require.NoError(t, err)
	assert.Empty(t, inputs)
}

func TestPartitionLinesWrongType(t *testing.T) {
	artifacts := newArtifactStore(t)
	spec := &types.JobSpec{
		Input: types.InputSpec{Type: "dir", Path: t.TempDir()},
	}

	_, err := PartitionLines(spec, artifacts, "job-1")
	assert.Error(t, err)
}

func TestPartitionFilesGlob(t *testing.T) {
	artifacts := newArtifactStore(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.ndjson"), []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.ndjson"), []byte("{}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x\n"), 0644))

	spec := &types.JobSpec{
		Input: types.InputSpec{Type: "dir", Path: dir, FilePattern: "*.ndjson"},
	}

	inputs, err := PartitionFiles(spec, artifacts, "job-1")
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	// Each batch blob holds the original file path
	records, err := artifacts.ReadInput(inputs[0].InputRef)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, filepath.Join(dir, "one.ndjson"), records[0])
}
