// Package store implements the orchestrator's in-memory task store: a
// task id -> *task.Record map reconstructed from the WAL, guarded by a
// read-write lock (spec.md §5: "Task store: guarded by a read-write lock;
// mutations by workers, submission, and cancel; reads by status()").
//
// Grounded on catrate.Limiter's per-key-state pattern, simplified to a
// plain map since, unlike catrate's category data, task mutation in this
// design always already holds the store's lock — there's no need for a
// second layer of atomics or a sync.Pool.
package store

import (
	"sync"

	"github.com/joeycumines/orchestrator/internal/task"
)

// Store is a concurrency-safe map of task id to task record.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*task.Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{tasks: make(map[string]*task.Record)}
}

// Put inserts or replaces a record wholesale (used by submission and WAL
// recovery).
func (s *Store) Put(r *task.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[r.ID] = r
}

// Get returns the record for id, or nil if unknown.
func (s *Store) Get(id string) *task.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id]
}

// Mutate runs fn with exclusive access to the record for id, if it exists,
// and reports whether it was found. fn may mutate the record in place;
// callers are responsible for not retaining the pointer past the call.
func (s *Store) Mutate(id string, fn func(r *task.Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}

// Snapshot returns a read-only, independently-safe copy of every record's
// status, for status() / admin /status responses.
func (s *Store) Snapshot() map[string]task.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]task.Status, len(s.tasks))
	for id, r := range s.tasks {
		out[id] = r.Status
	}
	return out
}

// All returns cloned copies of every record, for recovery re-enqueue and
// diagnostics. The clones are safe to read without holding the store's
// lock.
func (s *Store) All() []*task.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*task.Record, 0, len(s.tasks))
	for _, r := range s.tasks {
		out = append(out, r.Clone())
	}
	return out
}

// Len returns the number of known tasks (terminal and non-terminal).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
