package worker

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// semaphoreRegistry holds one weighted semaphore per service with a
// configured concurrency cap (spec.md §4.6 step 7: "Acquire per-service
// semaphore if configured"). Services without a configured cap have no
// entry and are treated as unbounded.
type semaphoreRegistry struct {
	mu    sync.Mutex
	caps  map[string]int64
	pools map[string]*semaphore.Weighted
}

func newSemaphoreRegistry(limits map[string]int) *semaphoreRegistry {
	r := &semaphoreRegistry{
		caps:  make(map[string]int64, len(limits)),
		pools: make(map[string]*semaphore.Weighted, len(limits)),
	}
	for service, n := range limits {
		if n <= 0 {
			continue
		}
		r.caps[service] = int64(n)
		r.pools[service] = semaphore.NewWeighted(int64(n))
	}
	return r
}

// get returns the semaphore for service, or nil if unbounded.
func (r *semaphoreRegistry) get(service string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[service]
}
