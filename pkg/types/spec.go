package types

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSpec wraps every validation failure of a job spec
var ErrInvalidSpec = errors.New("invalid job spec")

// Defaults applied by JobSpec.Validate
const (
	DefaultBatchSize      = 100
	DefaultMaxConcurrency = 4
	DefaultMaxRetryPhases = 2
	DefaultFanIn          = 10
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultBackoffCap     = 60 * time.Second
)

// JobSpec is the declarative job configuration submitted by users
type JobSpec struct {
	Name       string      `yaml:"name" json:"name"`
	HandlerRef string      `yaml:"handler_ref" json:"handler_ref"`
	Input      InputSpec   `yaml:"input" json:"input"`
	Compute    ComputeSpec `yaml:"compute" json:"compute"`
	Output     OutputSpec  `yaml:"output" json:"output"`
	Retry      RetrySpec   `yaml:"retry" json:"retry"`

	// Handler-specific free-form payload
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// InputSpec describes where input records come from and how they are batched
type InputSpec struct {
	Type        string `yaml:"type" json:"type"` // "file", "dir", "inline"
	Path        string `yaml:"path" json:"path"`
	Format      string `yaml:"format" json:"format"`
	BatchSize   int    `yaml:"batch_size" json:"batch_size"`
	FilePattern string `yaml:"file_pattern,omitempty" json:"file_pattern,omitempty"`

	// Inline records, used by the inline input type
	Records []string `yaml:"records,omitempty" json:"records,omitempty"`
}

// ComputeSpec bounds the resources a job may consume
type ComputeSpec struct {
	MaxConcurrency int    `yaml:"max_concurrency" json:"max_concurrency"`
	MemoryBudget   string `yaml:"memory_budget,omitempty" json:"memory_budget,omitempty"`
	RuntimeBudget  string `yaml:"runtime_budget,omitempty" json:"runtime_budget,omitempty"`
}

// OutputSpec describes the aggregated output artifact
type OutputSpec struct {
	Format        string   `yaml:"format" json:"format"`
	Compression   string   `yaml:"compression,omitempty" json:"compression,omitempty"`
	Destination   string   `yaml:"destination,omitempty" json:"destination,omitempty"`
	PartitionKeys []string `yaml:"partition_keys,omitempty" json:"partition_keys,omitempty"`
	WriteMode     string   `yaml:"write_mode,omitempty" json:"write_mode,omitempty"`
	FanIn         int      `yaml:"fan_in,omitempty" json:"fan_in,omitempty"`
	Unordered     bool     `yaml:"unordered,omitempty" json:"unordered,omitempty"`
}

// RetrySpec controls retry phase planning and backoff
type RetrySpec struct {
	MaxRetryPhases int    `yaml:"max_retry_phases" json:"max_retry_phases"`
	Backoff        string `yaml:"backoff,omitempty" json:"backoff,omitempty"` // "exponential" or "constant"
	InitialMs      int    `yaml:"initial_ms,omitempty" json:"initial_ms,omitempty"`
	CapMs          int    `yaml:"cap_ms,omitempty" json:"cap_ms,omitempty"`
}

// LoadJobSpec reads and validates a job spec from a YAML file
func LoadJobSpec(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}

	var spec JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks required fields and fills defaults
func (s *JobSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if s.HandlerRef == "" {
		return fmt.Errorf("%w: handler_ref is required", ErrInvalidSpec)
	}
	if s.Input.Type == "" {
		return fmt.Errorf("%w: input.type is required", ErrInvalidSpec)
	}
	switch s.Input.Type {
	case "file", "dir":
		if s.Input.Path == "" {
			return fmt.Errorf("%w: input.path is required for input type %q", ErrInvalidSpec, s.Input.Type)
		}
	case "inline":
	default:
		return fmt.Errorf("%w: unknown input type %q", ErrInvalidSpec, s.Input.Type)
	}
	if s.Input.BatchSize < 0 {
		return fmt.Errorf("%w: input.batch_size must be >= 0", ErrInvalidSpec)
	}
	if s.Input.BatchSize == 0 {
		s.Input.BatchSize = DefaultBatchSize
	}
	if s.Compute.MaxConcurrency < 0 {
		return fmt.Errorf("%w: compute.max_concurrency must be >= 0", ErrInvalidSpec)
	}
	if s.Compute.MaxConcurrency == 0 {
		s.Compute.MaxConcurrency = DefaultMaxConcurrency
	}
	if s.Retry.MaxRetryPhases < 0 {
		return fmt.Errorf("%w: retry.max_retry_phases must be >= 0", ErrInvalidSpec)
	}
	if s.Retry.MaxRetryPhases == 0 {
		s.Retry.MaxRetryPhases = DefaultMaxRetryPhases
	}
	switch s.Retry.Backoff {
	case "", "exponential", "constant":
	default:
		return fmt.Errorf("%w: retry.backoff must be exponential or constant", ErrInvalidSpec)
	}
	if s.Retry.Backoff == "" {
		s.Retry.Backoff = "exponential"
	}
	if s.Retry.InitialMs == 0 {
		s.Retry.InitialMs = int(DefaultInitialBackoff / time.Millisecond)
	}
	if s.Retry.CapMs == 0 {
		s.Retry.CapMs = int(DefaultBackoffCap / time.Millisecond)
	}
	if s.Output.FanIn < 0 {
		return fmt.Errorf("%w: output.fan_in must be >= 0", ErrInvalidSpec)
	}
	if s.Output.FanIn == 0 {
		s.Output.FanIn = DefaultFanIn
	}
	return nil
}
