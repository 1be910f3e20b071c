package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SubLease is a worker-local allotment of tokens taken from a shared bucket
// in one conditional write. The holder draws tokens locally, paced at the
// bucket refill rate, without further store round-trips. Unused tokens are
// surrendered when the lease closes or expires.
type SubLease struct {
	manager   *Manager
	grant     *Grant
	limiter   *rate.Limiter
	expiresAt time.Time

	mu        sync.Mutex
	remaining float64
	closed    bool
}

// SubLease acquires tokens from the endpoint's best credential and wraps
// them in a local lease valid for the given duration.
func (m *Manager) SubLease(ctx context.Context, endpoint string, tokens float64, validity time.Duration) (*SubLease, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("sub-lease tokens must be positive")
	}
	grant, err := m.Acquire(ctx, endpoint, tokens)
	if err != nil {
		return nil, err
	}

	ep := m.endpoints[endpoint]
	limit := rate.Limit(ep.RefillPerSec)
	if limit <= 0 {
		limit = rate.Inf
	}

	return &SubLease{
		manager:   m,
		grant:     grant,
		limiter:   rate.NewLimiter(limit, 1),
		expiresAt: m.now().Add(validity),
		remaining: tokens,
	}, nil
}

// Take consumes one token from the lease, pacing at the bucket refill rate.
// It fails once the lease is exhausted, expired, or closed.
func (l *SubLease) Take(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("sub-lease closed")
	}
	if l.manager.now().After(l.expiresAt) {
		l.mu.Unlock()
		if err := l.Close(); err != nil {
			return err
		}
		return fmt.Errorf("sub-lease expired")
	}
	if l.remaining < 1 {
		l.mu.Unlock()
		return fmt.Errorf("sub-lease exhausted")
	}
	l.remaining--
	l.mu.Unlock()

	return l.limiter.Wait(ctx)
}

// Remaining reports tokens left on the lease
func (l *SubLease) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Credential returns the credential backing this lease
func (l *SubLease) Credential() *Grant {
	return l.grant
}

// Close surrenders unused tokens back to the shared bucket
func (l *SubLease) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	unused := l.remaining
	l.remaining = 0
	l.mu.Unlock()

	return l.manager.Surrender(l.grant.Endpoint, l.grant.Credential, unused)
}
