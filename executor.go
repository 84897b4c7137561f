package donorpool

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sasha-s/go-deadlock"

	"github.com/kjhallberg/donorpool/logs"
)

func init() {
	// Fixing GOMAXPROCS to the container's CPU quota matters here more than
	// in most libraries: pool_size is meant to track available parallelism.
	if _, err := maxprocs.Set(); err != nil {
		log.Printf("donorpool: automaxprocs: %v", err)
	}

	deadlock.Opts.DeadlockTimeout = 2 * time.Second
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Println("donorpool: POTENTIAL DEADLOCK DETECTED")
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, true)
		log.Printf("donorpool: goroutine dump:\n%s", buf[:n])
	}

	if logs.Log == nil {
		logs.Initialize(logs.LevelError)
	}
}

// Metrics is a snapshot-friendly set of atomic counters describing pool
// activity: how much work moved through it, and how much of that was
// donated rather than admitted directly, per SPEC_FULL.md §11.
type Metrics struct {
	tasksEnqueued      atomic.Int64
	tasksResumed       atomic.Int64
	tasksSucceeded     atomic.Int64
	tasksFailed        atomic.Int64
	tasksInterrupted   atomic.Int64
	workersSpawned     atomic.Int64
	workersRetired     atomic.Int64
	donationsPerformed atomic.Int64
	donatedTaskCount   atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics safe to read without
// racing further updates.
type MetricsSnapshot struct {
	TasksEnqueued      int64
	TasksResumed       int64
	TasksSucceeded     int64
	TasksFailed        int64
	TasksInterrupted   int64
	WorkersSpawned     int64
	WorkersRetired     int64
	DonationsPerformed int64
	DonatedTaskCount   int64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TasksEnqueued:      m.tasksEnqueued.Load(),
		TasksResumed:       m.tasksResumed.Load(),
		TasksSucceeded:     m.tasksSucceeded.Load(),
		TasksFailed:        m.tasksFailed.Load(),
		TasksInterrupted:   m.tasksInterrupted.Load(),
		WorkersSpawned:     m.workersSpawned.Load(),
		WorkersRetired:     m.workersRetired.Load(),
		DonationsPerformed: m.donationsPerformed.Load(),
		DonatedTaskCount:   m.donatedTaskCount.Load(),
	}
}

// Config configures an Executor at construction. Every field is immutable
// once New returns, per spec.md §6.
type Config struct {
	// PoolName derives each worker's log-correlation name
	// ("<PoolName>_worker_<index>"). Defaults to "donorpool" if empty.
	PoolName string

	// PoolSize is the fixed number of workers. Must be positive.
	PoolSize int

	// MaxIdleTime is how long an idle worker waits before retiring its
	// goroutine. Defaults to 5 seconds if zero.
	MaxIdleTime time.Duration

	// Logger overrides the package default (slog-backed) logger. Only
	// affects the root Logger interface consumers who use it directly; the
	// scheduler's own internal logging goes through the logs subpackage.
	Logger Logger

	// Limiter, if non-nil, makes Enqueue block on r.Wait(ctx) before routing
	// the task — an optional admission-side throttle. Unconfigured, Enqueue
	// never blocks on rate limiting, matching spec.md's baseline behavior.
	Limiter *rate.Limiter
}

// Executor is a fixed-size, donation-scheduled worker pool: the three-tier
// admission policy described in spec.md §4.3, backed by per-worker
// public/private queues and a lock-free idle-worker bitmap.
type Executor struct {
	workers  []*worker
	idleSet  *idleWorkerSet
	metrics  *Metrics
	config   Config

	roundRobinCursor atomic.Uint64
	abort            atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	errGroup *errgroup.Group
}

// New constructs an Executor with cfg.PoolSize workers, all initially idle.
// No goroutines are spawned until the first task is enqueued (spec.md's
// "lazy thread creation").
func New(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.PoolSize <= 0 {
		return nil, ErrNoWorkersAvailable
	}
	if cfg.PoolName == "" {
		cfg.PoolName = "donorpool"
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 5 * time.Second
	}

	execCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(execCtx)

	e := &Executor{
		idleSet:  newIdleWorkerSet(cfg.PoolSize),
		metrics:  &Metrics{},
		config:   cfg,
		ctx:      groupCtx,
		cancel:   cancel,
		errGroup: group,
	}

	e.workers = make([]*worker, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		name := fmt.Sprintf("%s_worker_%d", cfg.PoolName, i)
		e.workers[i] = newWorker(e, i, cfg.PoolSize, cfg.MaxIdleTime, name)
		e.idleSet.setIdle(i)
	}

	logs.Info(e.ctx, "executor created", "pool", cfg.PoolName, "size", cfg.PoolSize)
	return e, nil
}

// spawnWorkerLoop launches w's loop under the executor's errgroup, so
// Shutdown can Wait for every worker goroutine ever started and observe the
// first task-originated error.
func (e *Executor) spawnWorkerLoop(w *worker, doneCh chan struct{}) {
	e.metrics.workersSpawned.Add(1)
	e.errGroup.Go(func() error {
		err := w.workLoop(doneCh)
		if err == nil {
			e.metrics.workersRetired.Add(1)
		}
		return err
	})
}

// workerAt bounds-checks index with strict `<` against the pool size. The
// original's own worker_at asserts `index <= size` — almost certainly an
// off-by-one bug (spec.md's open question #1) — so this corrects it and
// returns ErrInvalidWorkerIndex instead of ever risking an out-of-range
// panic, even though every current caller derives index from idleWorkerSet
// scans that can't produce one out of range.
func (e *Executor) workerAt(index int) (*worker, error) {
	if index < 0 || index >= len(e.workers) {
		return nil, ErrInvalidWorkerIndex
	}
	return e.workers[index], nil
}

// Enqueue admits task, routing it per spec.md §4.3.2's three-tier policy:
// a self-local fast path when the calling goroutine is a quiescent worker,
// otherwise a search for an idle peer to wake, otherwise piggybacking on the
// calling worker's own queue, otherwise round-robin as a last resort for
// non-worker callers when no worker is idle.
func (e *Executor) Enqueue(ctx context.Context, task Task) error {
	if e.abort.Load() {
		return ErrPoolShutdown
	}

	if e.config.Limiter != nil {
		if err := e.config.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("donorpool: admission limiter: %w", err)
		}
	}

	self, selfIndex := currentWorker()

	if self != nil && self.appearsEmpty() {
		if err := self.enqueueLocal(task); err != nil {
			return err
		}
		e.metrics.tasksEnqueued.Add(1)
		return nil
	}

	if idleIndex := e.idleSet.findIdleWorker(selfIndex, hashedCallerID()); idleIndex != noWorker {
		if err := e.workers[idleIndex].enqueueForeign(task); err != nil {
			return err
		}
		e.metrics.tasksEnqueued.Add(1)
		return nil
	}

	if self != nil {
		if err := self.enqueueLocal(task); err != nil {
			return err
		}
		e.metrics.tasksEnqueued.Add(1)
		return nil
	}

	next := e.roundRobinCursor.Add(1) % uint64(len(e.workers))
	if err := e.workers[next].enqueueForeign(task); err != nil {
		return err
	}
	e.metrics.tasksEnqueued.Add(1)
	return nil
}

// MaxConcurrencyLevel returns the configured, immutable pool size.
func (e *Executor) MaxConcurrencyLevel() int {
	return len(e.workers)
}

// ShutdownRequested reports whether Shutdown has been called.
func (e *Executor) ShutdownRequested() bool {
	return e.abort.Load()
}

// MaxWorkerIdleTime returns the configured idle-retirement timeout, uniform
// across every worker.
func (e *Executor) MaxWorkerIdleTime() time.Duration {
	return e.config.MaxIdleTime
}

// Metrics returns a point-in-time snapshot of pool activity counters.
func (e *Executor) Metrics() MetricsSnapshot {
	return e.metrics.snapshot()
}

// Logger returns the Executor's configured Logger, or the package default
// (slog-backed, info level) if Config.Logger was left nil.
func (e *Executor) Logger() Logger {
	if e.config.Logger != nil {
		return e.config.Logger
	}
	return rootLogger()
}

// Shutdown is idempotent: the first call cancels the pool and drains every
// worker's remaining tasks via Interrupt (never Resume); subsequent calls
// are no-ops. It blocks until every worker goroutine that was ever spawned
// has exited.
func (e *Executor) Shutdown() error {
	if !e.abort.CompareAndSwap(false, true) {
		return nil // already shut down
	}

	logs.Info(e.ctx, "executor shutting down", "pool", e.config.PoolName)
	e.cancel()

	// Raise every worker's lock-free abort flag before joining any of them,
	// so a worker still running while an earlier one is joined stops at its
	// next pop instead of resuming more of its queued tasks.
	for _, w := range e.workers {
		w.atomicAbort.Store(true)
	}

	for _, w := range e.workers {
		w.shutdown()
	}

	err := e.errGroup.Wait()
	logs.Info(e.ctx, "executor shut down", "pool", e.config.PoolName)
	return err
}

// RangeWorkers calls fn for each worker with its index, whether it is
// currently idle, and its public queue depth. Iteration stops early if fn
// returns false. Read-only; used by Dump.
func (e *Executor) RangeWorkers(fn func(index int, idle bool, publicQueueDepth int) bool) {
	for i, w := range e.workers {
		w.lock.Lock()
		idle := w.idle
		depth := w.publicQueue.size()
		w.lock.Unlock()

		if !fn(i, idle, depth) {
			return
		}
	}
}
