package donorpool

import (
	"context"

	"github.com/k0kubun/pp/v3"
)

// workerSnapshot is a pretty-printable, read-only view of one worker's
// scheduling state, as returned by Dump.
type workerSnapshot struct {
	Index            int
	Idle             bool
	PublicQueueDepth int
}

// DumpSnapshot is what Dump renders: the whole pool's idle/queue state at
// one instant, useful for eyeballing scheduler behavior the same way the
// teacher used github.com/k0kubun/pp/v3 in its own debugging/test code.
type DumpSnapshot struct {
	PoolName string
	PoolSize int
	Metrics  MetricsSnapshot
	Workers  []workerSnapshot
}

// Snapshot collects a DumpSnapshot without printing it.
func (e *Executor) Snapshot() DumpSnapshot {
	snap := DumpSnapshot{
		PoolName: e.config.PoolName,
		PoolSize: len(e.workers),
		Metrics:  e.metrics.snapshot(),
		Workers:  make([]workerSnapshot, 0, len(e.workers)),
	}

	e.RangeWorkers(func(index int, idle bool, depth int) bool {
		snap.Workers = append(snap.Workers, workerSnapshot{
			Index:            index,
			Idle:             idle,
			PublicQueueDepth: depth,
		})
		return true
	})

	return snap
}

// Dump renders the pool's current scheduling state with pp and returns it as
// a string; it also logs a one-line Debug message naming the pool through
// the configured Logger. Intended for interactive
// debugging and example programs, not for hot-path use.
func (e *Executor) Dump() string {
	snap := e.Snapshot()
	rendered := pp.Sprint(snap)
	e.Logger().Debug(context.Background(), "executor snapshot", "pool", snap.PoolName)
	return rendered
}
