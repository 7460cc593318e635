package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolExecutesSubmittedTasks(t *testing.T) {
	workers := NewWorkerPool(2, 8, nil)

	var executed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		ok := workers.Submit(func(ctx context.Context) {
			defer wg.Done()
			executed.Add(1)
		})
		if !ok {
			t.Fatalf("expected submit %d to succeed", i)
		}
	}
	wg.Wait()
	workers.Stop(time.Second)

	if executed.Load() != 5 {
		t.Fatalf("expected 5 executions, got %d", executed.Load())
	}
	if workers.Completed() != 5 {
		t.Fatalf("expected 5 completed, got %d", workers.Completed())
	}
}

func TestWorkerPoolDropsWhenQueueFull(t *testing.T) {
	workers := NewWorkerPool(1, 1, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	workers.Submit(func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	// The single worker is busy; one task fits the queue, the next must drop.
	if !workers.Submit(func(ctx context.Context) {}) {
		t.Fatalf("expected queued submit to succeed")
	}
	if workers.Submit(func(ctx context.Context) {}) {
		t.Fatalf("expected submit against a full queue to be dropped")
	}
	if workers.Dropped() != 1 {
		t.Fatalf("expected 1 dropped task, got %d", workers.Dropped())
	}

	close(release)
	workers.Stop(time.Second)
}

func TestWorkerPoolRejectsSubmitAfterStop(t *testing.T) {
	workers := NewWorkerPool(1, 4, nil)
	workers.Stop(time.Second)

	if workers.Submit(func(ctx context.Context) {}) {
		t.Fatalf("expected submit after stop to be rejected")
	}
	if workers.Dropped() != 1 {
		t.Fatalf("expected dropped counter to record the rejection, got %d", workers.Dropped())
	}
}

func TestWorkerPoolStopDrainsQueuedTasks(t *testing.T) {
	workers := NewWorkerPool(1, 8, nil)

	var executed atomic.Int64
	for i := 0; i < 4; i++ {
		workers.Submit(func(ctx context.Context) {
			executed.Add(1)
		})
	}
	workers.Stop(2 * time.Second)

	if executed.Load() != 4 {
		t.Fatalf("expected queued tasks to drain before stop, got %d", executed.Load())
	}
}

func TestWorkerPoolStopIsIdempotent(t *testing.T) {
	workers := NewWorkerPool(2, 4, nil)
	workers.Stop(time.Second)
	workers.Stop(time.Second)
}
