package store

import (
	"sync"
	"testing"

	"github.com/joeycumines/orchestrator/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	s := New()
	s.Put(&task.Record{ID: "t1", Status: task.StatusPending})

	r := s.Get("t1")
	require.NotNil(t, r)
	assert.Equal(t, task.StatusPending, r.Status)

	assert.Nil(t, s.Get("missing"))
}

func TestMutate(t *testing.T) {
	s := New()
	s.Put(&task.Record{ID: "t1", Status: task.StatusPending})

	ok := s.Mutate("t1", func(r *task.Record) {
		r.Status = task.StatusRunning
	})
	require.True(t, ok)
	assert.Equal(t, task.StatusRunning, s.Get("t1").Status)

	ok = s.Mutate("missing", func(r *task.Record) {})
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	s := New()
	s.Put(&task.Record{ID: "t1", Status: task.StatusPending})
	s.Put(&task.Record{ID: "t2", Status: task.StatusSucceeded})

	snap := s.Snapshot()
	assert.Equal(t, map[string]task.Status{"t1": task.StatusPending, "t2": task.StatusSucceeded}, snap)
}

func TestAllReturnsIndependentClones(t *testing.T) {
	s := New()
	s.Put(&task.Record{ID: "t1", Status: task.StatusPending, Payload: map[string]any{"k": "v"}})

	all := s.All()
	require.Len(t, all, 1)
	all[0].Payload["k"] = "mutated"

	assert.Equal(t, "v", s.Get("t1").Payload["k"], "mutating a clone must not affect the stored record")
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			s.Put(&task.Record{ID: id, Status: task.StatusPending})
			s.Mutate(id, func(r *task.Record) { r.Retries++ })
			_ = s.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 26)
}
