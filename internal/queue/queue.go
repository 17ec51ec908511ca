// Package queue implements the orchestrator's priority queue: a min-heap of
// task ids ordered by (priority, enqueue_seq), safe for concurrent
// producers and consumers, with a blocking bounded Dequeue.
//
// Grounded on container/heap (stdlib) for the heap mechanics, and on
// eventloop's timer-vs-work race pattern (joeycumines go-utilpkg) for the
// bounded-wait Dequeue: a single-slot notify channel plays the role
// eventloop's wakeup pipe plays for its poller, signaling a waiting
// consumer without requiring a full condition-variable broadcast.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Item is a single queued task reference.
type Item struct {
	TaskID     string
	Priority   int
	EnqueueSeq uint64
}

// innerHeap implements container/heap.Interface ordered by (Priority asc,
// EnqueueSeq asc) — lower priority value dispatches first; ties broken by
// submission order (spec.md §4.5).
type innerHeap []Item

func (h innerHeap) Len() int { return len(h) }
func (h innerHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].EnqueueSeq < h[j].EnqueueSeq
}
func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *innerHeap) Push(x any)   { *h = append(*h, x.(Item)) }
func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority queue of task ids.
type Queue struct {
	mu     sync.Mutex
	heap   innerHeap
	notify chan struct{} // signaled (non-blocking) whenever an item is pushed
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue is non-blocking: it pushes item and wakes one waiting consumer,
// if any.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	heap.Push(&q.heap, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// tryPop pops the minimum item if the queue is non-empty.
func (q *Queue) tryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.heap).(Item), true
}

// Dequeue blocks for up to timeout waiting for an item. It returns
// (Item, true) if one became available, or (Item{}, false) on timeout or
// ctx cancellation — matching the worker loop's "on empty, continue"
// behavior (spec.md §4.6 step 1).
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Item, bool) {
	if item, ok := q.tryPop(); ok {
		return item, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if item, ok := q.tryPop(); ok {
				return item, true
			}
			// another consumer won the race; keep waiting out the timeout.
		case <-timer.C:
			return Item{}, false
		case <-ctx.Done():
			return Item{}, false
		}
	}
}
