package handler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/artifact"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
)

// PartitionLines slices line-oriented input into fixed-size batches and
// stages each batch as an input blob. It serves file and inline input types;
// most record-per-line handlers can delegate their Partition to it.
func PartitionLines(spec *types.JobSpec, artifacts *artifact.Store, jobID string) ([]BatchInput, error) {
	var records []string
	switch spec.Input.Type {
	case "inline":
		records = spec.Input.Records
	case "file":
		lines, err := readLines(spec.Input.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		records = lines
	default:
		return nil, fmt.Errorf("input type %q is not line-oriented", spec.Input.Type)
	}

	batchSize := spec.Input.BatchSize
	if batchSize <= 0 {
		batchSize = types.DefaultBatchSize
	}

	var inputs []BatchInput
	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[i:end]

		ref := artifact.InputRef(jobID, "batch-"+strconv.Itoa(len(inputs)), "txt")
		if err := artifacts.WriteInput(ref, chunk); err != nil {
			return nil, fmt.Errorf("failed to stage batch input: %w", err)
		}
		inputs = append(inputs, BatchInput{InputRef: ref, RecordCount: len(chunk)})
	}
	return inputs, nil
}

// PartitionFiles maps each file matching the spec's pattern to one batch.
// The batch input blob holds the file path, so the handler reads the original
// file rather than a staged copy.
func PartitionFiles(spec *types.JobSpec, artifacts *artifact.Store, jobID string) ([]BatchInput, error) {
	if spec.Input.Type != "dir" {
		return nil, fmt.Errorf("input type %q is not directory-oriented", spec.Input.Type)
	}
	pattern := spec.Input.FilePattern
	if pattern == "" {
		pattern = "*"
	}

	matches, err := filepath.Glob(filepath.Join(spec.Input.Path, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad file pattern %q: %w", pattern, err)
	}

	var inputs []BatchInput
	for i, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		ref := artifact.InputRef(jobID, "batch-"+strconv.Itoa(i), "txt")
		if err := artifacts.WriteInput(ref, []string{path}); err != nil {
			return nil, fmt.Errorf("failed to stage batch input: %w", err)
		}
		inputs = append(inputs, BatchInput{InputRef: ref, RecordCount: 1})
	}
	return inputs, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
