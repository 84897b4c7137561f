package donorpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestExecutor(t *testing.T, size int, maxIdle time.Duration) *Executor {
	t.Helper()
	e, err := New(context.Background(), Config{
		PoolName:    "test",
		PoolSize:    size,
		MaxIdleTime: maxIdle,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestExecutorRejectsNonPositivePoolSize(t *testing.T) {
	if _, err := New(context.Background(), Config{PoolSize: 0}); !errors.Is(err, ErrNoWorkersAvailable) {
		t.Fatalf("expected ErrNoWorkersAvailable, got %v", err)
	}
}

func TestExecutorRunsASingleTask(t *testing.T) {
	e := newTestExecutor(t, 2, time.Minute)

	done := make(chan struct{})
	err := e.Enqueue(context.Background(), TaskFunc(func(ctx context.Context) error {
		close(done)
		return nil
	}))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}
}

// TestExecutorConservation checks spec's conservation property: every task
// enqueued before shutdown eventually either runs (Succeeded/Failed) or is
// interrupted, exactly once, and none are lost.
func TestExecutorConservation(t *testing.T) {
	e := newTestExecutor(t, 4, time.Minute)

	const n = 2000
	var ran atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		err := e.Enqueue(context.Background(), TaskFunc(func(ctx context.Context) error {
			ran.Add(1)
			wg.Done()
			return nil
		}))
		if err != nil {
			t.Fatalf("Enqueue #%d: %v", i, err)
		}
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(30 * time.Second):
		t.Fatalf("only %d/%d tasks ran before timeout", ran.Load(), n)
	}

	if got := ran.Load(); got != n {
		t.Fatalf("expected exactly %d tasks to run, got %d", n, got)
	}

	// Shutdown waits for every worker loop to exit, so the success counter
	// (bumped after Resume returns) has caught up before it is read.
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	snap := e.Metrics()
	if snap.TasksEnqueued != n {
		t.Fatalf("expected TasksEnqueued=%d, got %d", n, snap.TasksEnqueued)
	}
	if snap.TasksSucceeded != n {
		t.Fatalf("expected TasksSucceeded=%d, got %d", n, snap.TasksSucceeded)
	}
}

func TestExecutorRejectsEnqueueAfterShutdown(t *testing.T) {
	e := newTestExecutor(t, 2, time.Minute)

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	err := e.Enqueue(context.Background(), TaskFunc(func(ctx context.Context) error { return nil }))
	if !errors.Is(err, ErrPoolShutdown) {
		t.Fatalf("expected ErrPoolShutdown after Shutdown, got %v", err)
	}
}

func TestExecutorShutdownIsIdempotent(t *testing.T) {
	e := newTestExecutor(t, 2, time.Minute)

	if err := e.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got: %v", err)
	}
}

// TestExecutorShutdownInterruptsBlockedTasks verifies that a task still
// sitting in a queue when Shutdown runs gets Interrupt, never Resume.
func TestExecutorShutdownInterruptsBlockedTasks(t *testing.T) {
	e, err := New(context.Background(), Config{PoolName: "test", PoolSize: 1, MaxIdleTime: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})

	blocker := TaskFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	if err := e.Enqueue(context.Background(), blocker); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}

	<-started

	interrupted := make(chan struct{})
	queued := &interruptTrackingTask{interrupted: interrupted}
	if err := e.Enqueue(context.Background(), queued); err != nil {
		t.Fatalf("Enqueue queued: %v", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		_ = e.Shutdown()
		close(shutdownDone)
	}()

	// Give Shutdown time to flip the abort flags before the blocker returns,
	// so the worker sees abort (not the queued task) the moment it's free.
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case <-interrupted:
	case <-time.After(5 * time.Second):
		t.Fatal("queued task was never interrupted")
	}

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown never returned")
	}

	if queued.resumed.Load() {
		t.Fatal("a task interrupted by shutdown must never be resumed")
	}
}

type interruptTrackingTask struct {
	interrupted chan struct{}
	resumed     atomic.Bool
}

func (t *interruptTrackingTask) Resume(ctx context.Context) error {
	t.resumed.Store(true)
	return nil
}

func (t *interruptTrackingTask) Interrupt() {
	close(t.interrupted)
}

// TestExecutorIdleRetirementAndRespawn exercises the lazy spawn / idle
// timeout / respawn-on-next-enqueue round trip.
func TestExecutorIdleRetirementAndRespawn(t *testing.T) {
	e := newTestExecutor(t, 1, 50*time.Millisecond)

	first := make(chan struct{})
	if err := e.Enqueue(context.Background(), TaskFunc(func(ctx context.Context) error {
		close(first)
		return nil
	})); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	<-first

	// Give the worker time to idle out and retire its goroutine.
	time.Sleep(300 * time.Millisecond)

	before := e.Metrics().WorkersSpawned
	if before < 1 {
		t.Fatalf("expected at least 1 worker spawn by now, got %d", before)
	}

	second := make(chan struct{})
	if err := e.Enqueue(context.Background(), TaskFunc(func(ctx context.Context) error {
		close(second)
		return nil
	})); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second task never ran after idle retirement, respawn failed")
	}

	after := e.Metrics().WorkersSpawned
	if after <= before {
		t.Fatalf("expected a fresh spawn after idle retirement: before=%d after=%d", before, after)
	}
}

// TestExecutorDonationSpreadsChildTasks drives one worker's queue above the
// donation threshold by having a single task fan out many children from
// inside Resume, and checks that every child still runs exactly once.
// Whether a donation took place is not asserted.
func TestExecutorDonationSpreadsChildTasks(t *testing.T) {
	e := newTestExecutor(t, 4, time.Minute)

	const children = 200
	var ran atomic.Int64
	var wg sync.WaitGroup
	wg.Add(children)

	fanOut := TaskFunc(func(ctx context.Context) error {
		for i := 0; i < children; i++ {
			err := e.Enqueue(ctx, TaskFunc(func(ctx context.Context) error {
				ran.Add(1)
				wg.Done()
				return nil
			}))
			if err != nil {
				t.Errorf("child enqueue failed: %v", err)
				wg.Done()
			}
		}
		return nil
	})

	if err := e.Enqueue(context.Background(), fanOut); err != nil {
		t.Fatalf("Enqueue fanOut: %v", err)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(15 * time.Second):
		t.Fatalf("only %d/%d children ran before timeout", ran.Load(), children)
	}

	if got := ran.Load(); got != children {
		t.Fatalf("expected exactly %d children to run, got %d", children, got)
	}
}

func TestExecutorMaxConcurrencyLevelMatchesConfig(t *testing.T) {
	e := newTestExecutor(t, 6, time.Minute)
	if got := e.MaxConcurrencyLevel(); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
}

func TestExecutorSnapshotReportsConsistentPoolSize(t *testing.T) {
	e := newTestExecutor(t, 3, time.Minute)
	snap := e.Snapshot()
	if snap.PoolSize != 3 {
		t.Fatalf("expected PoolSize 3, got %d", snap.PoolSize)
	}
	if len(snap.Workers) != 3 {
		t.Fatalf("expected 3 worker snapshots, got %d", len(snap.Workers))
	}
}
