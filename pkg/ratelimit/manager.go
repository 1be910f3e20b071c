package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/metrics"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// casRetries bounds conditional-write retries per acquire so that no
	// caller spins forever against a contended bucket
	casRetries = 8

	// stableRetryAfter is returned when a bucket can never refill enough
	// (zero refill rate); callers observe a stable hint instead of an error
	stableRetryAfter = time.Second
)

// ErrNoCredentials indicates no credential is configured for an endpoint
var ErrNoCredentials = errors.New("no credentials for endpoint")

// Credential is one API credential serving an endpoint
type Credential struct {
	Name   string `yaml:"name"`
	Secret string `yaml:"secret,omitempty"`
}

// EndpointConfig declares the bucket shape and credential set for an endpoint
type EndpointConfig struct {
	Endpoint     string       `yaml:"endpoint"`
	Capacity     float64      `yaml:"capacity"`
	RefillPerSec float64      `yaml:"refill_per_sec"`
	Credentials  []Credential `yaml:"credentials"`
}

// Config is the credentials file format
type Config struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// LoadConfig reads a credentials file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	return &cfg, nil
}

// Grant is the result of a successful acquire
type Grant struct {
	Endpoint   string
	Credential string
	Secret     string
}

// Manager hands out request tokens from per-(endpoint, credential) buckets
// persisted in the state store. Bucket writes are compare-and-swap so that
// workers in separate processes stay within the shared budget.
type Manager struct {
	store     storage.Store
	endpoints map[string]EndpointConfig
	secrets   map[string]string // endpoint/credential -> secret

	mu         sync.Mutex
	roundRobin map[string]int

	now func() time.Time
}

// NewManager creates a manager and ensures a bucket row exists for every
// configured (endpoint, credential) pair.
func NewManager(store storage.Store, cfg *Config) (*Manager, error) {
	m := &Manager{
		store:      store,
		endpoints:  make(map[string]EndpointConfig),
		secrets:    make(map[string]string),
		roundRobin: make(map[string]int),
		now:        time.Now,
	}

	for _, ep := range cfg.Endpoints {
		if len(ep.Credentials) == 0 {
			return nil, fmt.Errorf("endpoint %s: %w", ep.Endpoint, ErrNoCredentials)
		}
		m.endpoints[ep.Endpoint] = ep
		for _, cred := range ep.Credentials {
			key := ep.Endpoint + "/" + cred.Name
			m.secrets[key] = cred.Secret

			if _, err := store.GetBucket(key); err == nil {
				continue
			}
			bucket := &types.TokenBucket{
				Endpoint:     ep.Endpoint,
				Credential:   cred.Name,
				Capacity:     ep.Capacity,
				RefillPerSec: ep.RefillPerSec,
				Available:    ep.Capacity,
				LastRefillAt: m.now(),
			}
			if err := store.PutBucket(bucket); err != nil && !errors.Is(err, storage.ErrConflict) {
				return nil, fmt.Errorf("failed to seed bucket %s: %w", key, err)
			}
		}
	}
	return m, nil
}

// SetClock overrides the manager clock for tests
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// refill applies lazy refill to a bucket copy at the given instant. A
// bucket stamped in the future (clock skew, clock override) is re-anchored
// to now so refill cannot stall until the wall clock catches up.
func refill(b *types.TokenBucket, now time.Time) {
	if now.Before(b.LastRefillAt) {
		b.LastRefillAt = now
		return
	}
	elapsed := now.Sub(b.LastRefillAt).Seconds()
	if elapsed > 0 {
		b.Available = math.Min(b.Capacity, b.Available+elapsed*b.RefillPerSec)
		b.LastRefillAt = now
	}
}

// retryAfter computes how long until cost tokens will be available
func retryAfter(b *types.TokenBucket, cost float64) time.Duration {
	if b.RefillPerSec <= 0 {
		return stableRetryAfter
	}
	missing := cost - b.Available
	return time.Duration(math.Ceil(missing/b.RefillPerSec*1000)) * time.Millisecond
}

// TryAcquire attempts to take cost tokens from the best credential serving
// the endpoint. On exhaustion it returns the shortest retry-after hint
// across credentials.
func (m *Manager) TryAcquire(endpoint string, cost float64) (*Grant, time.Duration, error) {
	ep, ok := m.endpoints[endpoint]
	if !ok {
		return nil, 0, fmt.Errorf("endpoint %s: %w", endpoint, ErrNoCredentials)
	}

	shortest := time.Duration(math.MaxInt64)
	for attempt := 0; attempt < casRetries; attempt++ {
		cred, bucket, err := m.pickCredential(ep)
		if err != nil {
			return nil, 0, err
		}

		now := m.now()
		refill(bucket, now)
		if bucket.Available < cost {
			if wait := retryAfter(bucket, cost); wait < shortest {
				shortest = wait
			}
			return nil, shortest, nil
		}

		bucket.Available -= cost
		err = m.store.PutBucket(bucket)
		if err == nil {
			return &Grant{
				Endpoint:   endpoint,
				Credential: cred,
				Secret:     m.secrets[endpoint+"/"+cred],
			}, 0, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, 0, err
		}
		// Lost the conditional write; re-read and try again
	}
	return nil, stableRetryAfter, nil
}

// Acquire blocks until cost tokens are granted or the context ends. Waits
// are recorded in the rate-limit metrics.
func (m *Manager) Acquire(ctx context.Context, endpoint string, cost float64) (*Grant, error) {
	for {
		grant, wait, err := m.TryAcquire(endpoint, cost)
		if err != nil {
			return nil, err
		}
		if grant != nil {
			return grant, nil
		}

		metrics.RateLimitWaits.Inc()
		metrics.RateLimitWaitMs.Add(float64(wait / time.Millisecond))
		logger := log.WithComponent("ratelimit")
		logger.Debug().
			Str("endpoint", endpoint).
			Dur("retry_after", wait).
			Msg("bucket exhausted, waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// pickCredential selects the credential with the highest available/capacity
// ratio after refill, breaking ties round-robin.
func (m *Manager) pickCredential(ep EndpointConfig) (string, *types.TokenBucket, error) {
	now := m.now()

	type candidate struct {
		name   string
		bucket *types.TokenBucket
		ratio  float64
	}
	var candidates []candidate

	for _, cred := range ep.Credentials {
		bucket, err := m.store.GetBucket(ep.Endpoint + "/" + cred.Name)
		if err != nil {
			return "", nil, err
		}
		view := *bucket
		refill(&view, now)
		ratio := 0.0
		if view.Capacity > 0 {
			ratio = view.Available / view.Capacity
		}
		candidates = append(candidates, candidate{name: cred.Name, bucket: bucket, ratio: ratio})
	}

	best := candidates[0]
	tied := 1
	for _, c := range candidates[1:] {
		if c.ratio > best.ratio {
			best = c
			tied = 1
		} else if c.ratio == best.ratio {
			tied++
		}
	}

	if tied > 1 {
		m.mu.Lock()
		offset := m.roundRobin[ep.Endpoint]
		m.roundRobin[ep.Endpoint] = offset + 1
		m.mu.Unlock()

		var ties []candidate
		for _, c := range candidates {
			if c.ratio == best.ratio {
				ties = append(ties, c)
			}
		}
		best = ties[offset%len(ties)]
	}

	return best.name, best.bucket, nil
}

// Surrender returns unused tokens to a credential's bucket, capped at
// capacity. Used when a sub-lease ends with tokens left over.
func (m *Manager) Surrender(endpoint, credential string, tokens float64) error {
	if tokens <= 0 {
		return nil
	}
	key := endpoint + "/" + credential
	for attempt := 0; attempt < casRetries; attempt++ {
		bucket, err := m.store.GetBucket(key)
		if err != nil {
			return err
		}
		refill(bucket, m.now())
		bucket.Available = math.Min(bucket.Capacity, bucket.Available+tokens)
		err = m.store.PutBucket(bucket)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("bucket %s: %w", key, storage.ErrConflict)
}
