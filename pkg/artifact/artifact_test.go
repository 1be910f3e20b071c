package artifact

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestWriterMarkerDiscipline(t *testing.T) {
	store := newTestStore(t)
	ref := TaskOutputRef("job-1", "task-1", "txt")

	w, err := store.Create(ref)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("alpha")))
	require.NoError(t, w.WriteRecord([]byte("beta")))

	// Before Finish the artifact exists but is invisible to readers
	_, err = store.Marker(ref)
	assert.ErrorIs(t, err, ErrNoMarker)
	_, _, err = store.Open(ref)
	assert.ErrorIs(t, err, ErrNoMarker)

	marker, err := w.Finish("task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), marker.RecordCount)
	assert.Equal(t, "task-1", marker.TaskID)
	assert.NotEmpty(t, marker.Checksum)

	f, got, err := store.Open(ref)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, marker.Checksum, got.Checksum)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", string(data))
}

func TestAbortLeavesNoArtifact(t *testing.T) {
	store := newTestStore(t)
	ref := TaskOutputRef("job-1", "task-1", "txt")

	w, err := store.Create(ref)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("partial")))
	require.NoError(t, w.Abort())

	_, err = os.Stat(store.Path(ref))
	assert.True(t, os.IsNotExist(err))
	_, err = store.Marker(ref)
	assert.ErrorIs(t, err, ErrNoMarker)
}

func TestCreateRemovesStaleMarker(t *testing.T) {
	store := newTestStore(t)
	ref := TaskOutputRef("job-1", "task-1", "txt")

	w, err := store.Create(ref)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("first")))
	_, err = w.Finish("task-1")
	require.NoError(t, err)

	// A rewrite makes the artifact invisible again until the new Finish
	w, err = store.Create(ref)
	require.NoError(t, err)
	_, err = store.Marker(ref)
	assert.ErrorIs(t, err, ErrNoMarker)

	require.NoError(t, w.WriteRecord([]byte("second")))
	marker, err := w.Finish("task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), marker.RecordCount)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	store := newTestStore(t)
	ref := TaskOutputRef("job-1", "task-1", "txt")

	w, err := store.Create(ref)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("payload")))
	_, err = w.Finish("task-1")
	require.NoError(t, err)

	require.NoError(t, store.Verify(ref))

	// Flip bytes behind the marker's back
	require.NoError(t, os.WriteFile(store.Path(ref), []byte("tampered\n"), 0644))
	err = store.Verify(ref)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestCorruptMarkerReadsAsAbsent(t *testing.T) {
	store := newTestStore(t)
	ref := TaskOutputRef("job-1", "task-1", "txt")

	w, err := store.Create(ref)
	require.NoError(t, err)
	_, err = w.Finish("task-1")
	require.NoError(t, err)

	markerFile := store.Path(ref[:len(ref)-4] + ".done")
	require.NoError(t, os.WriteFile(markerFile, []byte("{not json"), 0644))

	_, err = store.Marker(ref)
	assert.ErrorIs(t, err, ErrNoMarker)
}

func TestInputRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ref := InputRef("job-1", "batch-0", "txt")

	records := []string{"did:plc:aaa", "did:plc:bbb", "did:plc:ccc"}
	require.NoError(t, store.WriteInput(ref, records))

	got, err := store.ReadInput(ref)
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestRefLayout(t *testing.T) {
	assert.Equal(t,
		filepath.Join("jobs", "j1", "outputs", "t1.ndjson"),
		TaskOutputRef("j1", "t1", "ndjson"))
	assert.Equal(t,
		filepath.Join("jobs", "j1", "inputs", "b0.txt"),
		InputRef("j1", "b0", "txt"))
	assert.Equal(t,
		filepath.Join("jobs", "j1", "aggregation", "2", "3.ndjson"),
		AggregationRef("j1", 2, 3, "ndjson"))
	assert.Equal(t,
		filepath.Join("jobs", "j1", "aggregation", "final.ndjson"),
		FinalRef("j1", "ndjson"))
}
