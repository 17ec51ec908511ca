package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOWithinPriority(t *testing.T) {
	q := New()
	q.Enqueue(Item{TaskID: "a", Priority: 0, EnqueueSeq: 1})
	q.Enqueue(Item{TaskID: "b", Priority: 0, EnqueueSeq: 2})
	q.Enqueue(Item{TaskID: "c", Priority: 0, EnqueueSeq: 3})

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		item, ok := q.Dequeue(ctx, time.Second)
		require.True(t, ok)
		assert.Equal(t, want, item.TaskID)
	}
}

func TestPriorityOverridesAge(t *testing.T) {
	q := New()
	// A submitted first, but B has the lower priority number (1 = higher urgency than 10).
	q.Enqueue(Item{TaskID: "A", Priority: 10, EnqueueSeq: 1})
	q.Enqueue(Item{TaskID: "B", Priority: 1, EnqueueSeq: 2})

	ctx := context.Background()
	item, ok := q.Dequeue(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "B", item.TaskID, "lower priority value must dispatch first regardless of age")

	item, ok = q.Dequeue(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "A", item.TaskID)
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDequeueRespectsContextCancellation(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx, time.Second)
	assert.False(t, ok)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q := New()
	result := make(chan Item, 1)
	go func() {
		item, ok := q.Dequeue(context.Background(), time.Second)
		if ok {
			result <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(Item{TaskID: "x", Priority: 0, EnqueueSeq: 1})

	select {
	case item := <-result:
		assert.Equal(t, "x", item.TaskID)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake on Enqueue")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(Item{TaskID: "t", Priority: i % 5, EnqueueSeq: uint64(i)})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, q.Len())

	seen := 0
	ctx := context.Background()
	for seen < n {
		if _, ok := q.Dequeue(ctx, time.Second); ok {
			seen++
		}
	}
	assert.Equal(t, 0, q.Len())
}
