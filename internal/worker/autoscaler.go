package worker

import (
	"context"
	"time"

	"github.com/joeycumines/orchestrator/internal/config"
	"github.com/joeycumines/orchestrator/internal/queue"
)

// Autoscaler periodically resizes a Pool to track queue depth, per spec.md
// §4.6's autoscaling formula: desired = min(max_concurrency, max(1,
// queue_depth)).
type Autoscaler struct {
	pool   *Pool
	queue  *queue.Queue
	config *config.Holder

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAutoscaler creates an Autoscaler bound to pool and q, reading its
// interval and cap from config on every tick so runtime overrides of
// max_concurrency take effect without a restart.
func NewAutoscaler(pool *Pool, q *queue.Queue, cfg *config.Holder) *Autoscaler {
	return &Autoscaler{pool: pool, queue: q, config: cfg}
}

// Start runs the resize loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (a *Autoscaler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		a.run(loopCtx)
	}()
}

func (a *Autoscaler) run(ctx context.Context) {
	interval := a.config.Load().AutoscaleIntervalDuration()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
			if newInterval := a.config.Load().AutoscaleIntervalDuration(); newInterval > 0 && newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	cfg := a.config.Load()
	depth := a.queue.Len()
	desired := depth
	if desired < 1 {
		desired = 1
	}
	if desired > cfg.MaxConcurrency {
		desired = cfg.MaxConcurrency
	}
	a.pool.Resize(ctx, desired)
}

// Stop cancels the resize loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}
