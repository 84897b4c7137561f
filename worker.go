package donorpool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/kjhallberg/donorpool/logs"
)

// worker owns one dedicated goroutine (spec.md's "OS thread" analog), a
// lock-protected public inbox other goroutines push into, and an unshared
// private queue it alone drains. Exactly one goroutine may be running this
// worker's loop at a time; ensureWorkerActive is the only place a new one is
// spawned, lazily, on first contact after an idle period.
type worker struct {
	index       int
	poolSize    int
	maxIdleTime time.Duration
	name        string
	parent      *Executor
	ctx         context.Context

	// privateQueue is touched only by the goroutine currently running this
	// worker's loop. No lock guards it; that goroutine is its only owner.
	privateQueue taskList

	lock        deadlock.Mutex
	publicQueue taskList
	idle        bool // true iff no goroutine is currently running workLoop
	abort       bool

	atomicAbort      atomic.Bool // lock-free mirror of abort, read from the hot path
	taskFoundOrAbort atomic.Bool // the wake-up handshake flag, see waitForTask

	sem chan struct{} // binary semaphore: buffered cap 1

	doneCh chan struct{} // closed when the current/most recent workLoop goroutine returns

	idleScratch []int // reusable donation target buffer
}

func newWorker(p *Executor, index, poolSize int, maxIdleTime time.Duration, name string) *worker {
	w := &worker{
		index:       index,
		poolSize:    poolSize,
		maxIdleTime: maxIdleTime,
		name:        name,
		parent:      p,
		ctx:         p.ctx,
		idle:        true,
		sem:         make(chan struct{}, 1),
		idleScratch: make([]int, 0, poolSize),
	}
	return w
}

func (w *worker) semRelease() {
	select {
	case w.sem <- struct{}{}:
	default:
		// already signaled; the semaphore is binary, a redundant release is harmless.
	}
}

func (w *worker) semAcquireUntil(deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-w.sem:
		return true
	case <-timer.C:
		return false
	}
}

// appearsEmpty is a best-effort, lock-free hint used only by the executor's
// self-local fast path (spec.md §9): it may be wrong in either direction.
// Safe to call cross-goroutine only when the caller is this very worker's
// own currently-running goroutine (the executor's routing guarantees that).
func (w *worker) appearsEmpty() bool {
	return w.privateQueue.empty() && !w.taskFoundOrAbort.Load()
}

// enqueueForeign is the entry point for any goroutine that is not this
// worker's own currently-running loop.
func (w *worker) enqueueForeign(task Task) error {
	w.lock.Lock()
	if w.abort {
		w.lock.Unlock()
		return ErrPoolShutdown
	}

	w.taskFoundOrAbort.Store(true)
	wasEmpty := w.publicQueue.empty()
	w.publicQueue.pushBack(getTaskNode(task))
	w.ensureWorkerActive(wasEmpty) // unlocks w.lock before returning
	return nil
}

// enqueueForeignList splices an already-built chain onto the public queue;
// used by balanceWork to donate a run of tasks in one O(1) operation.
func (w *worker) enqueueForeignList(head, tail *taskNode, count int) error {
	w.lock.Lock()
	if w.abort {
		w.lock.Unlock()
		return ErrPoolShutdown
	}

	w.taskFoundOrAbort.Store(true)
	wasEmpty := w.publicQueue.empty()
	w.publicQueue.pushBackList(head, tail, count)
	w.ensureWorkerActive(wasEmpty)
	return nil
}

// enqueueLocal is only ever called by the worker on itself, from within its
// own running loop (reentrant submission, or the executor's self-piggyback
// path). No lock needed: the private queue has exactly one owner.
func (w *worker) enqueueLocal(task Task) error {
	if w.atomicAbort.Load() {
		return ErrPoolShutdown
	}
	w.privateQueue.pushBack(getTaskNode(task))
	return nil
}

// ensureWorkerActive must be called with w.lock held; it always releases the
// lock before returning.
//
// If a goroutine is already running the loop, a single semaphore release
// wakes it — but only on the push that made the public queue non-empty;
// later pushers skip the signal since the running worker drains the whole
// queue in one swap once woken.
//
// If the worker is idle, a fresh loop goroutine is spawned immediately (lazy
// start), and any previous goroutine's completion channel is joined only
// after the lock is released, so a slow join on the spawner's part can never
// block it while holding the lock other callers need.
func (w *worker) ensureWorkerActive(firstEnqueuer bool) {
	if !w.idle {
		w.lock.Unlock()
		if firstEnqueuer {
			w.semRelease()
		}
		return
	}

	staleDone := w.doneCh
	doneCh := make(chan struct{})
	w.doneCh = doneCh
	w.idle = false
	w.lock.Unlock()

	w.parent.spawnWorkerLoop(w, doneCh)

	if staleDone != nil {
		<-staleDone
	}
}

// workLoop is the goroutine body launched by ensureWorkerActive, supervised
// by the executor's errgroup.Group so Shutdown can observe the first
// non-shutdown error any worker's task stream produced.
func (w *worker) workLoop(doneCh chan struct{}) error {
	defer close(doneCh)

	bindCurrentGoroutine(w, w.index)
	defer unbindCurrentGoroutine()

	logs.Info(w.ctx, "worker loop started", "worker", w.name, "index", w.index)

	for {
		cont, err := w.drainQueue()
		if !cont {
			if err != nil {
				logs.Error(w.ctx, "worker loop terminated by task error", "worker", w.name, "error", err)
				return err
			}
			logs.Info(w.ctx, "worker loop retired", "worker", w.name, "index", w.index)
			return nil
		}
	}
}

// drainQueue waits for work, then moves the whole public queue into the
// private queue in one swap and runs it down. Returns (false, nil) on a
// clean retirement (idle timeout or shutdown), (false, err) if a task's
// error terminated this loop, (true, nil) to keep looping.
func (w *worker) drainQueue() (bool, error) {
	w.lock.Lock()
	if !w.waitForTask() {
		// waitForTask has already unlocked w.lock on this path.
		return false, nil
	}

	// lock held here
	w.taskFoundOrAbort.Store(false)

	if w.abort {
		w.idle = true
		w.lock.Unlock()
		return false, nil
	}

	// invariant check: drainQueueImpl empties the private queue whenever it
	// returns true, so a non-empty one here means a previous loop on this
	// worker ended early on a task error and left tasks behind. Those stale
	// tasks must still be accounted for rather than silently dropped —
	// conservation requires every task resume exactly once or be
	// interrupted exactly once.
	stale := w.privateQueue
	hadStale := !stale.empty()

	w.privateQueue = w.publicQueue.takeAll()
	w.lock.Unlock()

	if hadStale {
		if buildDebug {
			interruptAll(&stale, w.parent.metrics)
			w.lock.Lock()
			w.idle = true
			w.lock.Unlock()
			return false, assertionFailure("private queue not empty entering drainQueue (worker %d)", w.index)
		}
		logs.Error(w.ctx, "private queue not empty entering drainQueue, interrupting stale tasks", "worker", w.name)
		interruptAll(&stale, w.parent.metrics)
	}

	return w.drainQueueImpl()
}

// waitForTask assumes w.lock is held on entry. On return true, the lock is
// still held and the public queue is non-empty (or abort is set). On return
// false, the lock has been released and w.idle has been set true.
func (w *worker) waitForTask() bool {
	if !w.publicQueue.empty() || w.abort {
		return true
	}

	w.lock.Unlock()
	w.parent.idleSet.setIdle(w.index)

	deadline := time.Now().Add(w.maxIdleTime)
	eventFound := false
	lockHeld := false

	for {
		if !w.semAcquireUntil(deadline) {
			// Go's time.Timer only fires once the deadline has genuinely
			// elapsed, so unlike a raw OS semaphore's try_acquire_until
			// there is no earlier spurious-timeout case to special-case
			// here: a failed acquire always means real idle-timeout.
			break
		}

		if !w.taskFoundOrAbort.Load() {
			continue // stale wake-up: redundant release from a prior donation/enqueue
		}

		w.lock.Lock()
		lockHeld = true
		if w.publicQueue.empty() && !w.abort {
			w.lock.Unlock()
			lockHeld = false
			continue
		}

		eventFound = true
		break
	}

	if !lockHeld {
		w.lock.Lock()
	}

	if !eventFound || w.abort {
		w.idle = true
		w.lock.Unlock()
		return false
	}

	w.parent.idleSet.setActive(w.index)
	return true
}

// drainQueueImpl runs the private queue down to empty, LIFO (pop-back), so a
// just-finished task's freshly-produced children run next for cache
// locality, donating excess to idle peers (from the front, FIFO) before
// every pop. Returns (false, nil)/(false, err) on abort or task error,
// always leaving idle=true so the next enqueue can respawn this slot.
func (w *worker) drainQueueImpl() (bool, error) {
	for !w.privateQueue.empty() {
		w.balanceWork()

		if w.atomicAbort.Load() {
			w.lock.Lock()
			w.idle = true
			w.lock.Unlock()
			return false, nil
		}

		node := w.privateQueue.popBack()
		err := w.runTask(node.task)
		releaseNode(node)

		if err != nil {
			w.lock.Lock()
			w.idle = true
			w.lock.Unlock()

			if errors.Is(err, ErrPoolShutdown) {
				return false, nil
			}
			return false, err
		}
	}

	return true, nil
}

func (w *worker) runTask(task Task) error {
	w.parent.metrics.tasksResumed.Add(1)
	err := task.Resume(w.ctx)
	if err != nil {
		w.parent.metrics.tasksFailed.Add(1)
		return err
	}
	w.parent.metrics.tasksSucceeded.Add(1)
	return nil
}

// balanceWork donates excess private-queue tasks to idle peers. Called only
// from inside drainQueueImpl, i.e. while this goroutine is the sole owner of
// privateQueue. Keeps at least one task for itself.
func (w *worker) balanceWork() {
	taskCount := w.privateQueue.size()
	if taskCount < 2 {
		return
	}

	maxDonatable := w.poolSize - 1
	if taskCount-1 < maxDonatable {
		maxDonatable = taskCount - 1
	}
	if maxDonatable <= 0 {
		return // single-worker pool: donation is a no-op
	}

	w.idleScratch = w.parent.idleSet.findIdleWorkers(w.index, maxDonatable, w.idleScratch)
	idleCount := len(w.idleScratch)
	if idleCount == 0 {
		return
	}

	totalWorkerCount := idleCount + 1 // count ourselves, or we'd donate everything
	donationCount := taskCount / totalWorkerCount
	extra := taskCount - donationCount*totalWorkerCount

	for _, idleIndex := range w.idleScratch {
		count := donationCount
		if extra != 0 {
			count++
			extra--
		}

		head, tail, ok := w.privateQueue.popFrontN(count)
		if !ok {
			continue
		}

		recipient, err := w.parent.workerAt(idleIndex)
		if err != nil {
			// Invariant violation: findIdleWorkers only ever returns indices
			// it claimed from idleWorkerSet, which is sized to the pool.
			logs.Error(w.ctx, "balanceWork got an out-of-range donation target", "index", idleIndex)
			w.privateQueue.pushBackList(head, tail, count)
			continue
		}
		if err := recipient.enqueueForeignList(head, tail, count); err != nil {
			// Recipient aborted mid-donation (pool shutting down). Don't
			// lose the chain: fold it back into our own queue: our own
			// shutdown drain will interrupt it shortly.
			w.privateQueue.pushBackList(head, tail, count)
			break
		}

		w.parent.metrics.donationsPerformed.Add(1)
		w.parent.metrics.donatedTaskCount.Add(int64(count))
	}
}

// shutdown is called exactly once per worker, from Executor.Shutdown. It
// signals abort through every one of the three distinct wake-up channels
// (the atomic mirror, the lock-protected flag, and the handshake flag) so no
// class of waiter — spinning, parked, or mid-handoff — misses it, then waits
// for the loop goroutine (if any) to actually exit before draining both
// queues and interrupting whatever tasks remain.
func (w *worker) shutdown() {
	w.atomicAbort.Store(true)

	w.lock.Lock()
	w.abort = true
	w.lock.Unlock()

	w.taskFoundOrAbort.Store(true)
	w.semRelease()

	w.lock.Lock()
	doneCh := w.doneCh
	w.lock.Unlock()

	if doneCh != nil {
		<-doneCh
	}

	w.lock.Lock()
	publicTasks := w.publicQueue.takeAll()
	w.lock.Unlock()

	// privateQueue is safe to read here without the lock: doneCh closed
	// means no goroutine is running this worker's loop anymore.
	privateTasks := w.privateQueue
	w.privateQueue = taskList{}

	interruptAll(&publicTasks, w.parent.metrics)
	interruptAll(&privateTasks, w.parent.metrics)
}

func interruptAll(l *taskList, m *Metrics) {
	for {
		n := l.popFront()
		if n == nil {
			return
		}
		n.task.Interrupt()
		m.tasksInterrupted.Add(1)
		releaseNode(n)
	}
}
