package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/oshokin/deploy-agent/internal/logger"
)

var (
	// ErrStopped is returned by Submit after Shutdown started.
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned by Submit when the queue has no room left.
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is a unit of work. ctx is canceled when the pool is shut down past its deadline.
type Task func(ctx context.Context)

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	// ctx is passed to every task and carries the pool logger.
	ctx context.Context
	// cancel aborts running tasks.
	cancel context.CancelFunc
	// queue holds submitted tasks.
	queue chan Task
	// wg counts queued and running tasks.
	wg sync.WaitGroup
	// workers counts live worker goroutines.
	workers sync.WaitGroup
	// mu orders Submit against Shutdown so no task is sent on a closed queue.
	mu sync.Mutex
	// accepting is cleared by Shutdown. Guarded by mu.
	accepting bool
	// closeOnce guards closing queue.
	closeOnce sync.Once
}

// New starts a pool with maxWorkers goroutines and a task queue of queueSize.
func New(ctx context.Context, maxWorkers, queueSize int) *Pool {
	maxWorkers = max(maxWorkers, 1)
	queueSize = max(queueSize, 1)

	ctx, cancel := context.WithCancel(logger.WithName(ctx, "workerpool"))

	p := &Pool{
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan Task, queueSize),
		accepting: true,
	}

	for range maxWorkers {
		p.workers.Add(1)

		go p.worker()
	}

	logger.DebugKV(ctx, "Worker pool started", "workers", maxWorkers, "queue_size", queueSize)

	return p
}

// Submit enqueues a task without blocking.
// wg.Add runs before the enqueue so Shutdown cannot miss the task.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.accepting {
		return ErrStopped
	}

	p.wg.Add(1)

	select {
	case p.queue <- task:
		return nil
	default:
		p.wg.Done()
		logger.Warn(p.ctx, "Worker pool queue full, task rejected")

		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones.
// When ctx ends first the task context is canceled and Shutdown returns ctx.Err().
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.accepting = false
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error

	select {
	case <-done:
		logger.Debug(p.ctx, "Worker pool drained")
	case <-ctx.Done():
		logger.Warn(p.ctx, "Worker pool drain timed out, canceling running tasks")

		err = ctx.Err()
	}

	p.cancel()

	p.closeOnce.Do(func() {
		close(p.queue)
	})

	return err
}

// worker runs tasks until the queue is closed.
func (p *Pool) worker() {
	defer p.workers.Done()

	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(p.ctx, "Task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	task(p.ctx)
}
