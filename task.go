package donorpool

import "context"

// Task is the unit of work the scheduler admits, queues, and eventually runs
// to completion or cancels. How a task suspends and resumes its own
// computation — coroutines, continuations, or a plain function call — is
// deliberately out of scope here (spec.md §1); the scheduler only ever calls
// these two methods.
type Task interface {
	// Resume runs (or continues) one slice of the task's work. Returning
	// ErrPoolShutdown signals that the pool is going away and this worker
	// should retire cleanly. Any other non-nil error is the task's own
	// business: the core does not retry it or interpret it, and the
	// worker's loop terminates — per spec.md §7, "the core deliberately
	// does not catch arbitrary task exceptions."
	Resume(ctx context.Context) error

	// Interrupt delivers cancellation. It must be idempotent and must not
	// panic. It is called while draining a worker's queues during shutdown,
	// and for tasks left in a worker's private queue when that worker's
	// previous loop ended on a task error (interrupted when the next loop
	// starts).
	Interrupt()
}

// TaskFunc adapts a plain function to Task for the common case where a task
// never needs to suspend and resume across multiple calls.
type TaskFunc func(ctx context.Context) error

// Resume implements Task.
func (f TaskFunc) Resume(ctx context.Context) error { return f(ctx) }

// Interrupt implements Task as a no-op; a TaskFunc has nothing to release.
func (f TaskFunc) Interrupt() {}
