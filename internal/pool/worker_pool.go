package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work executed by the worker pool.
type Task func(ctx context.Context)

// WorkerPool runs N long-lived workers over a bounded queue. Submit never
// blocks: when the queue is full the task is dropped and counted, favoring
// availability over completeness under overload.
type WorkerPool struct {
	queue   chan Task
	workers int
	logger  *zap.Logger

	dropped   atomic.Int64
	completed atomic.Int64
	active    atomic.Int64

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	// closeMu orders Submit against the queue close in Stop.
	closeMu sync.RWMutex
	closed  bool
}

// NewWorkerPool constructs the pool and launches its workers immediately.
func NewWorkerPool(workers, queueCapacity int, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		queue:   make(chan Task, queueCapacity),
		workers: workers,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.run(ctx, &wg)
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
	return p
}

// Submit enqueues the task without blocking. Returns false when the pool is
// stopped or the queue is full; dropped tasks are counted.
func (p *WorkerPool) Submit(task Task) bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if task == nil || p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Stop stops admitting new work, lets workers drain the queue up to grace,
// then cancels whatever is left.
func (p *WorkerPool) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		close(p.queue)
		p.closeMu.Unlock()
		select {
		case <-p.done:
		case <-time.After(grace):
			p.logger.Warn("worker pool drain grace elapsed, cancelling in-flight tasks")
			p.cancel()
			<-p.done
		}
		p.cancel()
	})
}

// Dropped reports how many tasks were rejected by backpressure.
func (p *WorkerPool) Dropped() int64 {
	return p.dropped.Load()
}

// Completed reports how many tasks finished.
func (p *WorkerPool) Completed() int64 {
	return p.completed.Load()
}

// QueueDepth reports the number of tasks waiting for a worker.
func (p *WorkerPool) QueueDepth() int {
	return len(p.queue)
}

// ActiveWorkers reports how many workers are executing a task right now.
func (p *WorkerPool) ActiveWorkers() int64 {
	return p.active.Load()
}

// Workers reports the configured worker count.
func (p *WorkerPool) Workers() int {
	return p.workers
}

func (p *WorkerPool) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for task := range p.queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.active.Add(1)
		task(ctx)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}
