package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() *JobSpec {
	return &JobSpec{
		Name:       "backfill-profiles",
		HandlerRef: "bluesky/get-profiles/v1",
		Input:      InputSpec{Type: "file", Path: "/tmp/actors.txt"},
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	spec := validSpec()
	require.NoError(t, spec.Validate())

	assert.Equal(t, DefaultBatchSize, spec.Input.BatchSize)
	assert.Equal(t, DefaultMaxConcurrency, spec.Compute.MaxConcurrency)
	assert.Equal(t, DefaultMaxRetryPhases, spec.Retry.MaxRetryPhases)
	assert.Equal(t, DefaultFanIn, spec.Output.FanIn)
	assert.Equal(t, "exponential", spec.Retry.Backoff)
	assert.Equal(t, 500, spec.Retry.InitialMs)
	assert.Equal(t, 60000, spec.Retry.CapMs)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"missing name", func(s *JobSpec) { s.Name = "" }},
		{"missing handler", func(s *JobSpec) { s.HandlerRef = "" }},
		{"missing input type", func(s *JobSpec) { s.Input.Type = "" }},
		{"unknown input type", func(s *JobSpec) { s.Input.Type = "stream" }},
		{"file without path", func(s *JobSpec) { s.Input.Path = "" }},
		{"negative batch size", func(s *JobSpec) { s.Input.BatchSize = -1 }},
		{"negative concurrency", func(s *JobSpec) { s.Compute.MaxConcurrency = -2 }},
		{"negative retry phases", func(s *JobSpec) { s.Retry.MaxRetryPhases = -1 }},
		{"bad backoff", func(s *JobSpec) { s.Retry.Backoff = "fibonacci" }},
		{"negative fan-in", func(s *JobSpec) { s.Output.FanIn = -3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			err := spec.Validate()
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestInlineInputNeedsNoPath(t *testing.T) {
	spec := validSpec()
	spec.Input = InputSpec{Type: "inline", Records: []string{"a", "b"}}
	assert.NoError(t, spec.Validate())
}

func TestLoadJobSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	yaml := `
name: backfill-profiles
handler_ref: bluesky/get-profiles/v1
input:
  type: inline
  records:
    - did:plc:aaa
    - did:plc:bbb
  batch_size: 1
output:
  format: ndjson
retry:
  max_retry_phases: 1
config:
  endpoint: public.api.bsky.app
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	spec, err := LoadJobSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "backfill-profiles", spec.Name)
	assert.Equal(t, []string{"did:plc:aaa", "did:plc:bbb"}, spec.Input.Records)
	assert.Equal(t, 1, spec.Input.BatchSize)
	assert.Equal(t, 1, spec.Retry.MaxRetryPhases)
	assert.Equal(t, "public.api.bsky.app", spec.Config["endpoint"])
}

func TestLoadJobSpecBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml:::"), 0644))

	_, err := LoadJobSpec(path)
	assert.Error(t, err)
}

func TestAttemptKey(t *testing.T) {
	task := &Task{JobID: "j", BatchID: "b", Attempt: 3}
	assert.Equal(t, "j/b/3", task.AttemptKey())
	assert.Equal(t, AttemptKey("j", "b", 3), task.AttemptKey())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.False(t, JobStatusAggregating.Terminal())

	assert.True(t, TaskStatusSuccess.Terminal())
	assert.True(t, TaskStatusFailedRetryable.Terminal())
	assert.True(t, TaskStatusFailedTerminal.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusLeased.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
}
