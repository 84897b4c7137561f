package donorpool

import "sync/atomic"

// workerStatus is the two-valued state of an idleFlag.
type workerStatus int32

const (
	statusIdle workerStatus = iota
	statusActive
)

// cacheLineSize sizes idleFlag's padding so consecutive idleFlags never share
// a cache line. Producer-heavy benchmarks in this corpus (and spec.md §9)
// call this out explicitly: without it, two workers flipping their own flags
// thrash the same line and throughput measurably degrades.
const cacheLineSize = 64

// idleFlag is one worker's idle/active bit, padded to its own cache line.
type idleFlag struct {
	flag atomic.Int32
	_    [cacheLineSize - 4]byte
}

func (f *idleFlag) load() workerStatus {
	return workerStatus(f.flag.Load())
}

func (f *idleFlag) store(s workerStatus) {
	f.flag.Store(int32(s))
}

func (f *idleFlag) swap(s workerStatus) workerStatus {
	return workerStatus(f.flag.Swap(int32(s)))
}

// idleWorkerSet tracks idle/active status for every worker in the pool. It
// is lock-free: all reads and writes are single-word atomics, and the
// exchange inside tryAcquireFlag is the one linearization point for claiming
// a worker, per spec.md §4.1.
//
// approxSize may transiently over- or under-count; nothing in this module
// depends on its exact value, only on tryAcquireFlag's per-index exchange
// being race-free.
type idleWorkerSet struct {
	flags     []idleFlag
	approxSize atomic.Int64
}

// newIdleWorkerSet starts every flag active with approxSize 0, so a worker
// only becomes findable once setIdle marks it.
func newIdleWorkerSet(size int) *idleWorkerSet {
	s := &idleWorkerSet{flags: make([]idleFlag, size)}
	for i := range s.flags {
		s.flags[i].store(statusActive)
	}
	return s
}

func (s *idleWorkerSet) size() int { return len(s.flags) }

// setIdle marks worker i idle. A no-op if it was already idle.
func (s *idleWorkerSet) setIdle(i int) {
	before := s.flags[i].swap(statusIdle)
	if before == statusIdle {
		return
	}
	s.approxSize.Add(1)
}

// setActive marks worker i active. A no-op if it was already active.
func (s *idleWorkerSet) setActive(i int) {
	before := s.flags[i].swap(statusActive)
	if before == statusActive {
		return
	}
	s.approxSize.Add(-1)
}

// tryAcquireFlag atomically claims worker i as active iff it was idle. At
// most one caller observes true per idle-to-active transition: this is the
// race-free claim primitive the whole donation design rests on.
func (s *idleWorkerSet) tryAcquireFlag(i int) bool {
	if s.flags[i].load() == statusActive {
		return false // fast-path: avoid the exchange entirely when clearly active
	}

	before := s.flags[i].swap(statusActive)
	swapped := before == statusIdle
	if swapped {
		s.approxSize.Add(-1)
	}
	return swapped
}

const noWorker = -1

// findIdleWorker returns the index of one idle worker claimed as active, or
// noWorker if none was found. callerIndex, if the caller is itself a worker,
// is skipped and used as the scan's starting position; otherwise the scan
// starts from hashedID modulo the pool size.
func (s *idleWorkerSet) findIdleWorker(callerIndex int, hashedID uint64) int {
	if s.approxSize.Load() <= 0 {
		return noWorker
	}

	n := len(s.flags)
	startingPos := callerIndex
	if startingPos == noWorker {
		startingPos = int(hashedID % uint64(n))
	}

	for i := 0; i < n; i++ {
		index := (startingPos + i) % n
		if index == callerIndex {
			continue
		}
		if s.tryAcquireFlag(index) {
			return index
		}
	}

	return noWorker
}

// findIdleWorkers fills out a bounded set of claimed idle worker indices,
// skipping callerIndex (which must be the caller's own index — this is
// donation, only called by a worker donating its own backlog). It makes no
// guarantee of finding exactly maxCount; this is opportunistic, per
// spec.md §4.1.
func (s *idleWorkerSet) findIdleWorkers(callerIndex int, maxCount int, out []int) []int {
	out = out[:0]
	approx := s.approxSize.Load()
	if approx <= 0 || maxCount <= 0 {
		return out
	}

	n := len(s.flags)
	maxWaiters := maxCount
	if int64(maxWaiters) > approx {
		maxWaiters = int(approx)
	}

	for i := 0; i < n && len(out) < maxWaiters; i++ {
		index := (callerIndex + i) % n
		if index == callerIndex {
			continue
		}
		if s.tryAcquireFlag(index) {
			out = append(out, index)
		}
	}

	return out
}
