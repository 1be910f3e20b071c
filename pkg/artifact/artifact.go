package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
)

// ErrNoMarker indicates an artifact exists without its done marker and must
// be treated as absent by readers.
var ErrNoMarker = errors.New("artifact has no done marker")

// ErrChecksumMismatch indicates artifact bytes do not match the marker
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// Store manages output artifacts under a single root directory using the
// canonical layout:
//
//	jobs/<job_id>/inputs/<batch>.<ext>
//	jobs/<job_id>/outputs/<task_id>.<ext>
//	jobs/<job_id>/outputs/<task_id>.done
//	jobs/<job_id>/aggregation/<level>/<k>.<ext>
//	jobs/<job_id>/aggregation/final.<ext>
//
// Refs handed around the runtime are paths relative to the root.
type Store struct {
	root string
}

// NewStore creates an artifact store rooted at dir
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store root directory
func (s *Store) Root() string {
	return s.root
}

// TaskOutputRef builds the canonical output ref for a worker task
func TaskOutputRef(jobID, taskID, ext string) string {
	return filepath.Join("jobs", jobID, "outputs", taskID+"."+ext)
}

// InputRef builds the canonical input ref for a batch blob
func InputRef(jobID, batchID, ext string) string {
	return filepath.Join("jobs", jobID, "inputs", batchID+"."+ext)
}

// AggregationRef builds the ref for an intermediate merge artifact
func AggregationRef(jobID string, level, k int, ext string) string {
	return filepath.Join("jobs", jobID, "aggregation", fmt.Sprintf("%d", level), fmt.Sprintf("%d.%s", k, ext))
}

// FinalRef builds the ref for the job's final aggregate
func FinalRef(jobID, ext string) string {
	return filepath.Join("jobs", jobID, "aggregation", "final."+ext)
}

// Path resolves a ref to an absolute path
func (s *Store) Path(ref string) string {
	return filepath.Join(s.root, ref)
}

// Writer writes one artifact and its done marker. The marker is only
// written by Finish, after the artifact bytes are durable, so a crash
// mid-write leaves an invisible artifact rather than a corrupt one.
type Writer struct {
	store   *Store
	ref     string
	file    *os.File
	hasher  hash.Hash
	records int64
}

// Create opens a writer for the given ref, truncating any previous attempt's
// partial output and removing its stale marker.
func (s *Store) Create(ref string) (*Writer, error) {
	path := s.Path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.Remove(markerPath(path)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale marker: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	return &Writer{store: s, ref: ref, file: f, hasher: sha256.New()}, nil
}

// Write appends raw bytes without counting records
func (w *Writer) Write(p []byte) (int, error) {
	w.hasher.Write(p)
	return w.file.Write(p)
}

// WriteRecord appends one record followed by a newline
func (w *Writer) WriteRecord(rec []byte) error {
	if _, err := w.Write(rec); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return err
	}
	w.records++
	return nil
}

// Records returns the number of records written so far
func (w *Writer) Records() int64 {
	return w.records
}

// Abort discards the artifact without writing a marker
func (w *Writer) Abort() error {
	w.file.Close()
	return os.Remove(w.store.Path(w.ref))
}

// Finish syncs the artifact and writes the done marker sibling. Marker last,
// never the reverse.
func (w *Writer) Finish(taskID string) (*types.DoneMarker, error) {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return nil, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact: %w", err)
	}

	marker := &types.DoneMarker{
		TaskID:      taskID,
		OutputURI:   w.ref,
		Checksum:    hex.EncodeToString(w.hasher.Sum(nil)),
		RecordCount: w.records,
		WrittenAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(markerPath(w.store.Path(w.ref)), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write done marker: %w", err)
	}
	return marker, nil
}

// Marker reads the done marker for a ref. ErrNoMarker when absent.
func (s *Store) Marker(ref string) (*types.DoneMarker, error) {
	data, err := os.ReadFile(markerPath(s.Path(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNoMarker)
		}
		return nil, err
	}
	var marker types.DoneMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		// A corrupt marker is the same as no marker
		return nil, fmt.Errorf("%s: %w", ref, ErrNoMarker)
	}
	return &marker, nil
}

// Open returns a reader for a completed artifact, failing when the marker is
// missing. The caller owns the returned reader.
func (s *Store) Open(ref string) (io.ReadCloser, *types.DoneMarker, error) {
	marker, err := s.Marker(ref)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.Path(ref))
	if err != nil {
		return nil, nil, err
	}
	return f, marker, nil
}

// Verify recomputes the artifact checksum against its marker
func (s *Store) Verify(ref string) error {
	f, marker, err := s.Open(ref)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if hex.EncodeToString(h.Sum(nil)) != marker.Checksum {
		return fmt.Errorf("%s: %w", ref, ErrChecksumMismatch)
	}
	return nil
}

// WriteInput stages a batch input blob. Inputs are read-only after creation
// and carry no marker; they are written before any task references them.
func (s *Store) WriteInput(ref string, records []string) error {
	path := s.Path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := f.WriteString(rec + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// ReadInput loads a staged batch input blob as lines
func (s *Store) ReadInput(ref string) ([]string, error) {
	data, err := os.ReadFile(s.Path(ref))
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func markerPath(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + ".done"
}
