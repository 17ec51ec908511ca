// Package worker implements the orchestrator's dynamic worker pool: the
// goroutines that dequeue tasks, enforce per-service concurrency and
// circuit breaking, dispatch to registered services with retry/backoff,
// record outcomes, and the autoscaler loop that resizes the pool.
//
// Grounded on microbatch.Batcher's lifecycle shape (joeycumines
// go-utilpkg): a context+cancel pair per worker and a WaitGroup tracking
// in-flight goroutines so StopAll can wait for the current unit of work to
// finish before returning. microbatch batches generic jobs; this package
// repurposes the same shutdown mechanics for a pool of
// independently-cancellable long-running worker loops instead of a single
// flush loop.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/orchestrator/internal/breaker"
	"github.com/joeycumines/orchestrator/internal/config"
	"github.com/joeycumines/orchestrator/internal/logging"
	"github.com/joeycumines/orchestrator/internal/obs"
	"github.com/joeycumines/orchestrator/internal/queue"
	"github.com/joeycumines/orchestrator/internal/store"
	"github.com/joeycumines/orchestrator/internal/task"
	"github.com/joeycumines/orchestrator/internal/wal"
)

// Deps bundles the collaborators a Pool needs. All fields are required
// except Logger and Sinks, which default to no-ops.
type Deps struct {
	Queue      *queue.Queue
	Store      *store.Store
	WAL        *wal.WAL
	Config     *config.Holder
	Breakers   *breaker.Registry
	Handlers   *Registry
	Logger     *logging.Logger
	Sinks      obs.Sinks
	Semaphores map[string]int // service -> max concurrent, from service_concurrency
}

// Pool is a dynamically sized set of worker goroutines.
type Pool struct {
	deps   Deps
	sema   *semaphoreRegistry
	logger *logging.Logger

	mu      sync.Mutex
	workers map[uint64]context.CancelFunc
	nextID  uint64
	wg      sync.WaitGroup

	runningMu sync.Mutex
	running   map[string]context.CancelFunc // task id -> cancel, for Cancel()
}

// New creates a Pool. It does not spawn any workers; call SpawnInitial or
// Resize to start workers.
func New(deps Deps) *Pool {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		deps:    deps,
		sema:    newSemaphoreRegistry(deps.Semaphores),
		logger:  logger,
		workers: make(map[uint64]context.CancelFunc),
		running: make(map[string]context.CancelFunc),
	}
}

// Count returns the current number of live worker goroutines.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// SpawnInitial starts exactly one worker, per spec.md §4.11 start() step 4.
func (p *Pool) SpawnInitial(ctx context.Context) {
	p.spawn(ctx)
}

// Resize converges the pool toward desired: spawning (desired - current)
// workers if below, or requesting cancellation of (current - desired)
// workers if above. A cancelled worker finishes its current task (if any)
// before exiting (spec.md §4.8).
func (p *Pool) Resize(ctx context.Context, desired int) {
	if desired < 1 {
		desired = 1
	}

	p.mu.Lock()
	current := len(p.workers)
	var toCancel []context.CancelFunc
	if current < desired {
		p.mu.Unlock()
		for i := 0; i < desired-current; i++ {
			p.spawn(ctx)
		}
		return
	}
	if current > desired {
		n := current - desired
		for id, cancel := range p.workers {
			if n == 0 {
				break
			}
			toCancel = append(toCancel, cancel)
			delete(p.workers, id)
			n--
		}
	}
	p.mu.Unlock()

	for _, cancel := range toCancel {
		cancel()
	}
	if len(toCancel) > 0 {
		p.logger.Info("autoscale_resized", map[string]any{"desired": desired, "cancelled": len(toCancel)})
	}
}

func (p *Pool) spawn(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.workers[id] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	p.logger.Info("worker_spawned", map[string]any{"worker_id": id})
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.workers, id)
			p.mu.Unlock()
			p.logger.Info("worker_stopped", map[string]any{"worker_id": id})
		}()
		p.loop(workerCtx)
	}()
}

// StopAll cancels every worker and waits for them to finish their current
// task, up to the grace period encoded in ctx's deadline.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.workers))
	for id, cancel := range p.workers {
		cancels = append(cancels, cancel)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("worker_shutdown_grace_period_exceeded", nil)
	}
}

// CancelTask signals the worker (if any) currently executing taskID to
// abort, for the orchestrator facade's Cancel operation on a running task.
// It returns true if a running task's context was found and cancelled.
func (p *Pool) CancelTask(taskID string) bool {
	p.runningMu.Lock()
	cancel, ok := p.running[taskID]
	p.runningMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (p *Pool) trackRunning(taskID string, cancel context.CancelFunc) {
	p.runningMu.Lock()
	p.running[taskID] = cancel
	p.runningMu.Unlock()
}

func (p *Pool) untrackRunning(taskID string) {
	p.runningMu.Lock()
	delete(p.running, taskID)
	p.runningMu.Unlock()
}

const dequeuePollInterval = 200 * time.Millisecond

// loop is a single worker's main loop, implementing spec.md §4.6.
func (p *Pool) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		item, ok := p.deps.Queue.Dequeue(ctx, dequeuePollInterval)
		if !ok {
			continue
		}

		p.process(ctx, item.TaskID)
	}
}

func (p *Pool) process(workerCtx context.Context, taskID string) {
	rec := p.deps.Store.Get(taskID)
	if rec == nil || rec.Status.Terminal() {
		return // step 2: missing or already terminal, discard.
	}

	cfg := p.deps.Config.Load()

	// step 3: deadline check before dispatch.
	if rec.Deadline != nil && time.Now().After(*rec.Deadline) {
		p.finishFailed(taskID, task.FailureDeadlineExceeded, nil)
		return
	}

	// step 4: circuit breaker check.
	cb := p.deps.Breakers.Get(rec.Service)
	if !cb.Allow() {
		p.logger.Info("circuit_half_open_wait", map[string]any{"task_id": taskID, "service": rec.Service})
		select {
		case <-time.After(cfg.BackoffFactorDuration()):
		case <-workerCtx.Done():
		}
		p.deps.Queue.Enqueue(queue.Item{TaskID: rec.ID, Priority: rec.Priority, EnqueueSeq: rec.EnqueueSeq})
		return
	}

	// step 5: handler lookup.
	handler, ok := p.deps.Handlers.Lookup(rec.Service)
	if !ok {
		p.finishFailed(taskID, task.FailureUnknownService, nil)
		return
	}

	// step 6: transition to running.
	now := time.Now()
	var payload map[string]any
	var deadline *time.Time
	var priority int
	var seq uint64
	p.deps.Store.Mutate(taskID, func(r *task.Record) {
		r.Status = task.StatusRunning
		r.StartTime = &now
		payload = r.Payload
		deadline = r.Deadline
		priority = r.Priority
		seq = r.EnqueueSeq
	})
	p.logger.Info("task_dispatched", map[string]any{"task_id": taskID, "service": rec.Service})

	// step 7: per-service semaphore.
	sem := p.sema.get(rec.Service)
	if sem != nil {
		if err := sem.Acquire(workerCtx, 1); err != nil {
			// worker is shutting down before the task could even start;
			// leave it running=false by reverting to pending so another
			// worker (or a future recovery) picks it back up.
			p.deps.Store.Mutate(taskID, func(r *task.Record) { r.Status = task.StatusPending })
			p.deps.Queue.Enqueue(queue.Item{TaskID: taskID, Priority: priority, EnqueueSeq: seq})
			return
		}
		defer sem.Release(1)
	}

	// taskCtx is deliberately rooted independently of workerCtx: a pool
	// shutdown or autoscale-down must let an in-flight task run to
	// completion (up to the shutdown grace period), and only an explicit
	// CancelTask call or the per-attempt timeout should abort it.
	taskCtx, taskCancel := context.WithCancel(context.Background())
	p.trackRunning(taskID, taskCancel)
	defer func() {
		taskCancel()
		p.untrackRunning(taskID)
	}()

	// step 8: execute with retry.
	start := time.Now()
	result := runWithRetry(
		taskCtx,
		handler,
		payload,
		deadline,
		cfg.TaskTimeoutDuration(),
		cfg.RetryAttempts,
		cfg.BackoffFactorDuration(),
		func(err error) {
			cb.RecordFailure()
			p.logger.Warn("task_retrying", map[string]any{"task_id": taskID, "service": rec.Service, "error": err.Error()})
		},
	)
	elapsed := time.Since(start).Seconds()

	switch result.outcome {
	case outcomeSuccess:
		cb.RecordSuccess()
		p.finishSucceeded(taskID, result.result, result.retries)
		p.deps.Sinks.RecordSpan(obs.Span{Name: "task", TaskID: taskID, Service: rec.Service, DurationSeconds: elapsed})
	case outcomeCancelled:
		p.finishCancelled(taskID, result.lastErr)
	default: // outcomeFailed
		p.finishFailedWithRetries(taskID, result.failureReason, result.lastErr, result.retries)
	}
}

// finishSucceeded, finishFailedWithRetries, and finishCancelled all guard
// against an already-terminal record: the orchestrator facade's Cancel can
// synchronously mark a running task Cancelled (and WAL-append it) while
// this worker is still unwinding from the abort, so a late-arriving
// handler result here must never clobber that already-durable status.

func (p *Pool) finishSucceeded(taskID string, result map[string]any, retries int) {
	now := time.Now()
	var applied bool
	p.deps.Store.Mutate(taskID, func(r *task.Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = task.StatusSucceeded
		r.Result = result
		r.Retries = retries
		r.EndTime = &now
		applied = true
	})
	if !applied {
		return
	}
	_ = p.deps.WAL.Append(wal.Record{Event: wal.EventStatus, TaskID: taskID, Status: string(task.StatusSucceeded)})
	p.logger.Info("task_succeeded", map[string]any{"task_id": taskID})
}

func (p *Pool) finishFailedWithRetries(taskID string, reason task.FailureReason, lastErr error, retries int) {
	now := time.Now()
	var applied bool
	p.deps.Store.Mutate(taskID, func(r *task.Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = task.StatusFailed
		r.Retries = retries
		r.FailureReason = reason
		if lastErr != nil {
			r.LastError = lastErr.Error()
		}
		r.EndTime = &now
		applied = true
	})
	if !applied {
		return
	}
	_ = p.deps.WAL.Append(wal.Record{Event: wal.EventStatus, TaskID: taskID, Status: string(task.StatusFailed)})
	fields := map[string]any{"task_id": taskID, "failure_reason": string(reason)}
	if lastErr != nil {
		fields["error"] = lastErr.Error()
	}
	p.logger.Error("task_failed", fields)
}

func (p *Pool) finishFailed(taskID string, reason task.FailureReason, lastErr error) {
	p.finishFailedWithRetries(taskID, reason, lastErr, 0)
}

// finishCancelled records a task whose handler observed abortion via its
// own context (spec.md §4.8). In the ordinary facade-initiated Cancel
// path, the facade has already synchronously marked the record Cancelled
// and WAL-appended it before this ever runs, so the Terminal() guard makes
// this a no-op; it only actually applies if a task's context was cancelled
// some other way.
func (p *Pool) finishCancelled(taskID string, lastErr error) {
	now := time.Now()
	var applied bool
	p.deps.Store.Mutate(taskID, func(r *task.Record) {
		if r.Status.Terminal() {
			return
		}
		r.Status = task.StatusCancelled
		r.FailureReason = task.FailureCancelled
		if lastErr != nil {
			r.LastError = lastErr.Error()
		}
		r.EndTime = &now
		applied = true
	})
	if !applied {
		return
	}
	_ = p.deps.WAL.Append(wal.Record{Event: wal.EventStatus, TaskID: taskID, Status: string(task.StatusCancelled)})
	p.logger.Info("task_cancelled", map[string]any{"task_id": taskID})
}
