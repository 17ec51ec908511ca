// Package orchestrator implements a durable, crash-recoverable
// asynchronous task orchestrator: clients register named service
// handlers, submit tasks against them, and the orchestrator dispatches
// tasks to a dynamically sized worker pool under per-service rate
// limiting, circuit breaking, and retry/backoff — all backed by a
// write-ahead log so in-flight work survives a process crash.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/orchestrator/internal/admin"
	"github.com/joeycumines/orchestrator/internal/breaker"
	"github.com/joeycumines/orchestrator/internal/config"
	"github.com/joeycumines/orchestrator/internal/lock"
	"github.com/joeycumines/orchestrator/internal/logging"
	"github.com/joeycumines/orchestrator/internal/obs"
	"github.com/joeycumines/orchestrator/internal/queue"
	"github.com/joeycumines/orchestrator/internal/ratelimit"
	"github.com/joeycumines/orchestrator/internal/store"
	"github.com/joeycumines/orchestrator/internal/task"
	"github.com/joeycumines/orchestrator/internal/wal"
	"github.com/joeycumines/orchestrator/internal/worker"
)

// RateLimitedError is returned by Submit when a service's token bucket is
// exhausted (spec.md §4.10: "fails with RateLimited(retry_after)").
type RateLimitedError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("orchestrator: service %q rate limited, retry after %s", e.Service, e.RetryAfter)
}

// Snapshot is the read-only view returned by Status.
type Snapshot struct {
	QueueDepth       int
	Tasks            map[string]task.Status
	ConfigGeneration uint64
}

// Orchestrator is the facade described by spec.md §4.10. The zero value is
// not usable; construct with New.
type Orchestrator struct {
	walPath string

	cfgHolder *config.Holder
	wal       *wal.WAL
	store     *store.Store
	queue     *queue.Queue
	rates     *ratelimit.Registry
	breakers  *breaker.Registry
	handlers  *worker.Registry
	pool      *worker.Pool
	scaler    *worker.Autoscaler
	adminSrv  *admin.Server
	logger    *logging.Logger
	sinks     obs.Sinks

	seq              atomic.Uint64
	configGeneration atomic.Uint64
	shuttingDown     atomic.Bool

	mu         sync.Mutex // guards leaderLock, adminPort, started
	leaderLock *lock.Lock
	adminPort  int
	started    bool
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger overrides the default no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New constructs an Orchestrator from cfg. Construction never touches the
// filesystem except to validate cfg; use Start to acquire the leader lock,
// open the WAL, and begin dispatching.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		walPath:   cfg.WALPath,
		cfgHolder: config.NewHolder(cfg),
		store:     store.New(),
		queue:     queue.New(),
		rates:     ratelimit.NewRegistry(cfg.ServiceRateLimits),
		breakers:  breaker.NewRegistry(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeoutDuration()),
		handlers:  worker.NewRegistry(),
		logger:    logging.Nop(),
		adminPort: cfg.AdminPort,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RegisterObserver attaches an optional, asynchronous span/metric sink.
// Its absence never affects correctness (spec.md §1, SPEC_FULL.md §4.10).
func (o *Orchestrator) RegisterObserver(sinks obs.Sinks) {
	o.sinks = sinks
}

// Register adds a service handler. Must be called before Start; calling
// while running is undefined (spec.md §4.10).
func (o *Orchestrator) Register(service string, handler worker.Handler) {
	o.handlers.Register(service, handler)
}

// Submit enqueues a new task against service (spec.md §4.10 submit()).
func (o *Orchestrator) Submit(service string, payload map[string]any, priority int, deadline *time.Time) (string, error) {
	if ok, retryAfter := o.rates.Consume(service, 1); !ok {
		o.logger.Info("task_rate_limited", map[string]any{"service": service})
		return "", &RateLimitedError{Service: service, RetryAfter: retryAfter}
	}

	id := uuid.NewString()
	seq := o.seq.Add(1)

	rec := &task.Record{
		ID:         id,
		Service:    service,
		Payload:    payload,
		Priority:   priority,
		EnqueueSeq: seq,
		Status:     task.StatusPending,
		Deadline:   deadline,
	}
	o.store.Put(rec)

	if err := o.wal.Append(wal.Record{
		Event: wal.EventAdd,
		Task: &wal.TaskSnapshot{
			ID:         id,
			Service:    service,
			Payload:    payload,
			Priority:   priority,
			EnqueueSeq: seq,
			Status:     string(task.StatusPending),
			Deadline:   deadline,
		},
	}); err != nil {
		return "", fmt.Errorf("orchestrator: wal append: %w", err)
	}

	o.queue.Enqueue(queue.Item{TaskID: id, Priority: priority, EnqueueSeq: seq})
	o.logger.Info("task_submitted", map[string]any{"task_id": id, "service": service})
	return id, nil
}

// Cancel aborts a task (spec.md §4.10 cancel()). It returns false if the
// task is unknown or already terminal. The status transition and its WAL
// record are made synchronously, before Cancel returns, matching
// original_source/omndx/orchestrator.py's cancel_task: a crash immediately
// after Cancel returns true must never resurrect the task as pending on
// recovery. If the task was running, the in-flight handler's context is
// also cancelled so it aborts promptly, but that abort is just cleanup —
// the durable status change already happened.
func (o *Orchestrator) Cancel(taskID string) bool {
	rec := o.store.Get(taskID)
	if rec == nil {
		return false
	}

	var cancelled, wasRunning bool
	o.store.Mutate(taskID, func(r *task.Record) {
		if r.Status.Terminal() {
			return
		}
		wasRunning = r.Status == task.StatusRunning
		now := time.Now()
		r.Status = task.StatusCancelled
		r.FailureReason = task.FailureCancelled
		r.EndTime = &now
		cancelled = true
	})
	if !cancelled {
		return false
	}

	_ = o.wal.Append(wal.Record{Event: wal.EventStatus, TaskID: taskID, Status: string(task.StatusCancelled)})
	o.logger.Info("task_cancelled", map[string]any{"task_id": taskID})

	if wasRunning {
		o.pool.CancelTask(taskID)
	}
	return true
}

// Join blocks until the queue is drained and no tasks are running, or ctx
// is done.
func (o *Orchestrator) Join(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.queue.Len() == 0 && !o.anyRunning() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) anyRunning() bool {
	for _, rec := range o.store.All() {
		if rec.Status == task.StatusRunning {
			return true
		}
	}
	return false
}

// Status returns a read-only snapshot of queue depth and per-task status.
func (o *Orchestrator) Status() Snapshot {
	tasks := make(map[string]task.Status)
	for id, s := range o.store.Snapshot() {
		tasks[id] = s
	}
	return Snapshot{
		QueueDepth:       o.queue.Len(),
		Tasks:            tasks,
		ConfigGeneration: o.configGeneration.Load(),
	}
}

// UpdateConfig atomically applies a subset of runtime-mutable fields
// (spec.md §4.10 update_config()). Per SPEC_FULL.md's resolution of
// spec.md §9's open question, the config_override WAL record is appended
// and fsynced *before* the in-memory config is swapped, so an override is
// never observably applied without having already been made durable.
func (o *Orchestrator) UpdateConfig(overrides map[string]any) (map[string]config.Change, error) {
	current := o.cfgHolder.Load()

	// Dry-run against a scratch holder to compute the change set and
	// validate before anything durable happens.
	scratch := config.NewHolder(current)
	applied, err := scratch.Apply(overrides)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return applied, nil
	}

	walChanges := make(map[string]wal.ConfigChange, len(applied))
	for k, c := range applied {
		walChanges[k] = wal.ConfigChange{Old: c.Old, New: c.New}
	}
	gen := o.configGeneration.Add(1)
	if err := o.wal.Append(wal.Record{Event: wal.EventConfigOverride, Changes: walChanges, Seq: gen}); err != nil {
		return nil, fmt.Errorf("orchestrator: wal append config_override: %w", err)
	}

	if _, err := o.cfgHolder.Apply(overrides); err != nil {
		// Unreachable in practice: scratch already validated the same
		// overrides against the same base config.
		return nil, err
	}
	o.syncDerivedRegistries()
	o.logger.Info("config_overridden", map[string]any{"changes": applied})
	return applied, nil
}

// syncDerivedRegistries propagates mutable fields that live outside the
// config.Holder's copy-on-write pointer (the breaker registry keeps its
// own per-service state for performance).
func (o *Orchestrator) syncDerivedRegistries() {
	cfg := o.cfgHolder.Load()
	o.breakers.SetDefaults(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeoutDuration())
}

// Start implements spec.md §4.11 start(). It is safe to call once; Start
// after Stop is allowed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator: already started")
	}

	cfg := o.cfgHolder.Load()

	l, err := lock.Acquire(cfg.ResolvedLeaderLockPath())
	if err != nil {
		return err
	}
	o.leaderLock = l

	w, err := wal.Open(cfg.WALPath)
	if err != nil {
		_ = l.Release()
		return err
	}
	o.wal = w

	if err := o.recover(); err != nil {
		_ = w.Close()
		_ = l.Release()
		return err
	}

	o.shuttingDown.Store(false)

	o.pool = worker.New(worker.Deps{
		Queue:      o.queue,
		Store:      o.store,
		WAL:        o.wal,
		Config:     o.cfgHolder,
		Breakers:   o.breakers,
		Handlers:   o.handlers,
		Logger:     o.logger,
		Sinks:      o.sinks,
		Semaphores: cfg.ServiceConcurrency,
	})
	o.pool.SpawnInitial(ctx)

	o.scaler = worker.NewAutoscaler(o.pool, o.queue, o.cfgHolder)
	o.scaler.Start(ctx)

	if cfg.AdminPort >= 0 {
		o.adminSrv = admin.New(&statusAdapter{o}, &configAdapter{o}, o.logger)
		port, err := o.adminSrv.Start(cfg.AdminPort)
		if err != nil {
			o.scaler.Stop()
			o.pool.StopAll(ctx)
			_ = o.wal.Close()
			_ = l.Release()
			return fmt.Errorf("orchestrator: admin bind: %w", err)
		}
		o.adminPort = port
	}

	o.started = true
	o.logger.Info("wal_recovered", map[string]any{"tasks": o.store.Len()})
	return nil
}

// recover implements spec.md §4.11 start() step 2: replay the WAL,
// reconstruct TaskRecords, and re-enqueue every non-terminal task.
func (o *Orchestrator) recover() error {
	records, err := wal.Load(o.walPath)
	if err != nil {
		return fmt.Errorf("orchestrator: wal load: %w", err)
	}

	var maxSeq uint64
	for _, rec := range records {
		switch rec.Event {
		case wal.EventAdd:
			if rec.Task == nil {
				continue
			}
			o.store.Put(&task.Record{
				ID:         rec.Task.ID,
				Service:    rec.Task.Service,
				Payload:    rec.Task.Payload,
				Priority:   rec.Task.Priority,
				EnqueueSeq: rec.Task.EnqueueSeq,
				Status:     task.Status(rec.Task.Status),
				Deadline:   rec.Task.Deadline,
			})
			if rec.Task.EnqueueSeq > maxSeq {
				maxSeq = rec.Task.EnqueueSeq
			}
		case wal.EventStatus:
			o.store.Mutate(rec.TaskID, func(r *task.Record) {
				r.Status = task.Status(rec.Status)
			})
		case wal.EventConfigOverride:
			// config_override records advance the generation counter for
			// audit/status purposes only; overrides are scoped to one
			// running process's lifetime and are not reapplied across a
			// restart (the next start reloads from file/env, per
			// SPEC_FULL.md §6's config precedence).
			if rec.Seq > o.configGeneration.Load() {
				o.configGeneration.Store(rec.Seq)
			}
		}
	}
	o.seq.Store(maxSeq)

	// every non-terminal record (including one left "running" by a crash)
	// resets to pending and is re-enqueued; an unknown service is left
	// pending too — UnknownService is only raised at dispatch time.
	for _, rec := range o.store.All() {
		if rec.Status.Terminal() {
			continue
		}
		o.store.Mutate(rec.ID, func(r *task.Record) { r.Status = task.StatusPending })
		o.queue.Enqueue(queue.Item{TaskID: rec.ID, Priority: rec.Priority, EnqueueSeq: rec.EnqueueSeq})
	}
	return nil
}

// Stop implements spec.md §4.11 stop(). Safe to call once; ctx bounds how
// long it waits for in-flight handlers (shutdown_grace_period).
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}

	o.shuttingDown.Store(true)

	if o.adminSrv != nil {
		_ = o.adminSrv.Stop(ctx)
	}
	if o.scaler != nil {
		o.scaler.Stop()
	}
	if o.pool != nil {
		o.pool.StopAll(ctx)
	}

	var err error
	if o.wal != nil {
		err = o.wal.Close()
	}
	if releaseErr := o.leaderLock.Release(); releaseErr != nil {
		o.logger.Warn("lock_release_failed", map[string]any{"error": releaseErr.Error()})
		if err == nil {
			err = releaseErr
		}
	}

	o.started = false
	return err
}

// AdminPort returns the bound admin port (meaningful only after Start with
// admin_port configured).
func (o *Orchestrator) AdminPort() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.adminPort
}

// statusAdapter exposes Orchestrator as admin.StatusProvider without
// widening the facade's own public return types to admin's wire shapes.
type statusAdapter struct{ o *Orchestrator }

func (a *statusAdapter) QueueDepth() int { return a.o.queue.Len() }

func (a *statusAdapter) TaskStatuses() map[string]string {
	out := make(map[string]string)
	for id, s := range a.o.store.Snapshot() {
		out[id] = string(s)
	}
	return out
}

func (a *statusAdapter) ConfigGeneration() uint64 { return a.o.configGeneration.Load() }

// configAdapter exposes Orchestrator as admin.ConfigUpdater.
type configAdapter struct{ o *Orchestrator }

func (a *configAdapter) UpdateConfig(overrides map[string]any) (map[string]any, error) {
	changes, err := a.o.UpdateConfig(overrides)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(changes))
	for k, c := range changes {
		out[k] = map[string]any{"old": c.Old, "new": c.New}
	}
	return out, nil
}
