/*
Package ratelimit provides shared token-bucket rate limiting for Skyfill.

External endpoints are protected by persistent token buckets, one per
credential per endpoint. Buckets live in the store and are updated with
compare-and-swap, so every worker in the process draws from the same budget
and a restart resumes with the budget it left. The global request rate stays
bounded no matter how many slots run.

# Architecture

	┌─────────────────── RATE LIMITING ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Manager                        │          │
	│  │  - endpoint → credentials → buckets         │          │
	│  │  - lazy refill on access                    │          │
	│  │  - CAS writes, retry on conflict            │          │
	│  │  - rotation picks the fullest bucket        │          │
	│  └──────────┬─────────────────┬───────────────┘          │
	│             │                 │                            │
	│       TryAcquire          Acquire (blocking)               │
	│       grant or            waits out the retry              │
	│       retry-after         hint, honors ctx                 │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              SubLease                       │          │
	│  │  - chunk of tokens debited up front         │          │
	│  │  - locally paced with x/time/rate           │          │
	│  │  - unused tokens surrendered on Close       │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────┘

# Refill Model

Buckets refill lazily: on each access the elapsed time since LastRefill is
converted to tokens at the endpoint's RefillPerSec, capped at Capacity. No
background goroutine touches buckets.

# Credential Rotation

An endpoint may carry several credentials. Acquisition picks the credential
whose bucket currently holds the most tokens, breaking ties round-robin, so
load spreads evenly and a drained credential rests while others serve.

# SubLeases

A handler doing a burst of calls can take a SubLease: a chunk of tokens
debited from the shared bucket in one CAS, then spent locally through a
x/time/rate limiter without further store traffic. Closing the sublease
surrenders whatever was not spent. SubLeases expire, so a crashed holder
only ever strands one chunk, which the refill model absorbs.

# Usage

	cfg, err := ratelimit.LoadConfig("/etc/skyfill/rate.yaml")
	m, err := ratelimit.NewManager(store, cfg)

	grant, err := m.Acquire(ctx, "public.api.bsky.app", 1)
	if err != nil {
	    return err
	}
	// grant.Credential / grant.Secret authenticate the call
*/
package ratelimit
