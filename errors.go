package donorpool

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the executor and its workers.
var (
	// ErrPoolShutdown is returned by Enqueue once shutdown has started, and is
	// the signal a worker's loop treats as a clean retirement rather than a
	// task failure.
	ErrPoolShutdown = errors.New("donorpool: pool is shut down")

	// ErrNoWorkersAvailable is returned by New when pool size is non-positive.
	ErrNoWorkersAvailable = errors.New("donorpool: no workers available")

	// ErrInvalidWorkerIndex is returned by internal lookups when an index is
	// out of range; surfacing it as an error rather than panicking keeps the
	// `<=` vs `<` bounds-check ambiguity from spec.md from ever reappearing.
	ErrInvalidWorkerIndex = errors.New("donorpool: invalid worker index")
)

// buildDebug gates the AssertionError path at invariant-check sites. Left
// false in production, where an unreachable-in-correct-code condition is
// logged and recovered from instead of tearing down a worker; tests flip it
// on to turn the same condition into a hard failure they can assert against.
// A plain boolean rather than a build tag, per spec.md §7, so it can be
// toggled per test without a separate build.
var buildDebug = false

// AssertionError marks an invariant violation that, in the debug-only sense
// of spec.md §7, should never be reachable in correct code. It is returned
// rather than panicking so tests can assert on it directly.
type AssertionError struct {
	Invariant string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("donorpool: assertion failed: %s", e.Invariant)
}

func assertionFailure(format string, args ...any) *AssertionError {
	return &AssertionError{Invariant: fmt.Sprintf(format, args...)}
}
