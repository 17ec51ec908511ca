// Package ratelimit implements a per-service token bucket, used by the
// orchestrator facade to bound the rate of task submissions per service.
//
// The concurrency shape is grounded on catrate.Limiter (joeycumines
// go-utilpkg): per-key state kept in a mutex-guarded map, with an injectable
// clock for deterministic tests. catrate itself implements sliding-window
// multi-rate limiting, which is more machinery than SPEC_FULL.md's single
// capacity/refill-rate bucket needs, so the algorithm here is the textbook
// token bucket rather than a transplant of catrate's ring-buffer windows.
package ratelimit

import (
	"sync"
	"time"
)

// for testing purposes; mirrors catrate's injectable timeNow.
var timeNow = time.Now

// Bucket is a single service's token bucket, guarded by its own mutex
// (spec.md §5: "Token buckets: per-service mutex").
type Bucket struct {
	mu sync.Mutex

	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	updated  time.Time
}

// NewBucket creates a bucket starting full, matching the spec's "created
// eagerly from config" semantics (a freshly configured service bucket
// allows a full burst immediately).
func NewBucket(capacity float64, refillRate float64) *Bucket {
	return &Bucket{
		capacity: capacity,
		rate:     refillRate,
		tokens:   capacity,
		updated:  timeNow(),
	}
}

// Consume attempts to deduct n tokens, refilling first by elapsed time ×
// refill rate (capped at capacity). It returns (true, 0) on success, or
// (false, retryAfter) with the duration until n tokens will be available.
func (b *Bucket) Consume(n float64) (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := timeNow()
	elapsed := now.Sub(b.updated).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.updated = now
	}

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}

	if b.rate <= 0 {
		// never refills; caller should treat as permanently exhausted.
		return false, time.Duration(1<<63 - 1)
	}
	deficit := n - b.tokens
	return false, time.Duration(deficit / b.rate * float64(time.Second))
}

// Registry holds one Bucket per service name, created eagerly from
// configured (capacity, refill_rate) pairs.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	limits  map[string][2]float64 // service -> (capacity, refill_rate)
}

// NewRegistry builds a registry eagerly instantiating a Bucket for every
// entry in limits, per spec.md §4.3 ("Per-service instances are created
// eagerly from config").
func NewRegistry(limits map[string][2]float64) *Registry {
	r := &Registry{
		buckets: make(map[string]*Bucket, len(limits)),
		limits:  make(map[string][2]float64, len(limits)),
	}
	for service, cr := range limits {
		r.limits[service] = cr
		r.buckets[service] = NewBucket(cr[0], cr[1])
	}
	return r
}

// Consume checks the named service's bucket, if configured. A service with
// no configured rate limit always succeeds (unbounded).
func (r *Registry) Consume(service string, n float64) (ok bool, retryAfter time.Duration) {
	r.mu.RLock()
	b, configured := r.buckets[service]
	r.mu.RUnlock()
	if !configured {
		return true, 0
	}
	return b.Consume(n)
}

// SetLimit atomically replaces (or creates) a service's rate limit with a
// fresh, full bucket. service_rate_limits is not a runtime-mutable config
// field, so the admin endpoint never calls this.
func (r *Registry) SetLimit(service string, capacity, refillRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[service] = [2]float64{capacity, refillRate}
	r.buckets[service] = NewBucket(capacity, refillRate)
}
