package aggregator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/metrics"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// Merger hierarchically folds successful task outputs into one canonical
// artifact per job. Inputs without a done marker are invisible; every merge
// step writes its artifact before its marker.
type Merger struct {
	store     storage.Store
	artifacts *artifact.Store
}

// NewMerger creates a merger
func NewMerger(store storage.Store, artifacts *artifact.Store) *Merger {
	return &Merger{store: store, artifacts: artifacts}
}

// mergeInput is one artifact feeding a merge step
type mergeInput struct {
	ref     string
	order   int
	records int64
}

// Run executes one aggregator task: collect visible worker outputs, merge
// with the job's fan-in until one artifact remains, and return its ref.
func (m *Merger) Run(ctx context.Context, job *types.Job, task *types.Task) (string, error) {
	logger := log.WithComponent("aggregator").With().Str("job_id", job.ID).Logger()
	start := time.Now()

	inputs, err := m.collectInputs(job)
	if err != nil {
		return "", err
	}
	if len(inputs) == 0 {
		return "", fmt.Errorf("no visible outputs to aggregate for job %s", job.ID)
	}

	if !job.Spec.Output.Unordered {
		sort.Slice(inputs, func(i, j int) bool { return inputs[i].order < inputs[j].order })
	}

	var wantRecords int64
	for _, in := range inputs {
		wantRecords += in.records
	}

	fanIn := job.Spec.Output.FanIn
	if fanIn < 2 {
		fanIn = types.DefaultFanIn
	}
	ext := outputExt(job.Spec)

	level := 0
	for len(inputs) > 1 || level == 0 {
		level++
		var next []mergeInput
		for k := 0; len(inputs) > 0; k++ {
			group := inputs
			if len(group) > fanIn {
				group = group[:fanIn]
			}
			inputs = inputs[len(group):]

			ref := artifact.AggregationRef(job.ID, level, k, ext)
			if len(inputs) == 0 && k == 0 {
				// Last group of the last level becomes the final artifact
				ref = artifact.FinalRef(job.ID, ext)
			}

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}

			merged, err := m.mergeStep(task.ID, job.Spec, ref, group)
			if err != nil {
				return "", err
			}
			next = append(next, merged)
		}
		inputs = next
	}

	final := inputs[0]
	if final.records != wantRecords {
		return "", fmt.Errorf("aggregate record count %d does not match inputs %d", final.records, wantRecords)
	}

	metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	logger.Info().
		Int64("records", final.records).
		Int("levels", level).
		Str("output_ref", final.ref).
		Msg("aggregation finished")
	return final.ref, nil
}

// collectInputs gathers successful worker outputs whose markers are present.
// Marker-less outputs are logged and skipped; they do not fail aggregation.
func (m *Merger) collectInputs(job *types.Job) ([]mergeInput, error) {
	logger := log.WithComponent("aggregator").With().Str("job_id", job.ID).Logger()

	tasks, err := m.store.ListTasksByStatus(job.ID, types.TaskStatusSuccess)
	if err != nil {
		return nil, err
	}

	var inputs []mergeInput
	for _, t := range tasks {
		if t.Role != types.TaskRoleWorker || t.OutputRef == "" {
			continue
		}
		marker, err := m.artifacts.Marker(t.OutputRef)
		if err != nil {
			logger.Warn().
				Str("task_id", t.ID).
				Str("output_ref", t.OutputRef).
				Msg("output has no done marker, skipping")
			continue
		}
		batch, err := m.store.GetBatch(job.ID, t.BatchID)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, mergeInput{
			ref:     t.OutputRef,
			order:   batch.Index,
			records: marker.RecordCount,
		})
	}
	return inputs, nil
}

// mergeStep concatenates a group of inputs into one artifact, validating
// record format before writing and marker presence before reading.
func (m *Merger) mergeStep(taskID string, spec *types.JobSpec, ref string, group []mergeInput) (mergeInput, error) {
	w, err := m.artifacts.Create(ref)
	if err != nil {
		return mergeInput{}, err
	}

	var merr *multierror.Error
	for _, in := range group {
		if err := m.appendInput(w, spec, in); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("input %s: %w", in.ref, err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		_ = w.Abort()
		return mergeInput{}, err
	}

	marker, err := w.Finish(taskID)
	if err != nil {
		return mergeInput{}, err
	}
	metrics.AggregationRows.Add(float64(marker.RecordCount))

	return mergeInput{ref: ref, order: group[0].order, records: marker.RecordCount}, nil
}

func (m *Merger) appendInput(w *artifact.Writer, spec *types.JobSpec, in mergeInput) error {
	f, marker, err := m.artifacts.Open(in.ref)
	if err != nil {
		return err
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if err := validateRecord(spec.Output.Format, line); err != nil {
			return err
		}
		if err := w.WriteRecord(line); err != nil {
			return err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if count != marker.RecordCount {
		return fmt.Errorf("read %d records, marker says %d", count, marker.RecordCount)
	}
	return nil
}

// validateRecord checks well-formedness per output format before the record
// is written downstream
func validateRecord(format string, line []byte) error {
	switch format {
	case "ndjson":
		if !json.Valid(line) {
			return fmt.Errorf("malformed json record")
		}
	}
	return nil
}

func outputExt(spec *types.JobSpec) string {
	switch spec.Output.Format {
	case "", "text", "lines":
		return "txt"
	default:
		return spec.Output.Format
	}
}
