package donorpool

import (
	"sync"

	"github.com/petermattis/goid"
)

// perGoroutineData is Go's substitute for the C++ original's
// thread_local<thread_pool_per_thread_data>: one entry per goroutine that
// has ever run a worker's loop, keyed by that goroutine's id. github.com/
// petermattis/goid is already an indirect dependency of this module's
// go-deadlock usage (go-deadlock fingerprints goroutines with it for lock-
// order graphs); this is the same trick applied to routing instead of
// deadlock detection.
type perGoroutineData struct {
	worker *worker
	index  int
}

var tlsRegistry sync.Map // goid.Get() (int64) -> *perGoroutineData

// currentWorker returns the worker owning the calling goroutine, or nil if
// the caller isn't a worker goroutine, along with that worker's index (or
// noWorker).
func currentWorker() (*worker, int) {
	v, ok := tlsRegistry.Load(goid.Get())
	if !ok {
		return nil, noWorker
	}
	d := v.(*perGoroutineData)
	return d.worker, d.index
}

// bindCurrentGoroutine records {w, index} against the calling goroutine.
// Called once at the top of a worker's work loop.
func bindCurrentGoroutine(w *worker, index int) {
	tlsRegistry.Store(goid.Get(), &perGoroutineData{worker: w, index: index})
}

// unbindCurrentGoroutine clears the registry entry when a worker's loop
// returns, so the registry holds no entry for a goroutine that has finished
// being a worker.
func unbindCurrentGoroutine() {
	tlsRegistry.Delete(goid.Get())
}

// hashedCallerID returns a cheap, well-distributed hash of the calling
// goroutine's id, used as the idle-scan starting point when the caller is
// not itself a worker (spec.md §4.1's find_idle_worker fallback).
func hashedCallerID() uint64 {
	id := uint64(goid.Get())
	// murmur3's 64-bit finalizer step: spreads sequential goroutine ids across the range.
	id ^= id >> 33
	id *= 0xff51afd7ed558ccd
	id ^= id >> 33
	return id
}
