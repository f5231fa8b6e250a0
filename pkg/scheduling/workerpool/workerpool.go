package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
)

// Submit adds a task to the pool for execution.
// The task will be executed with context.Background().
// Use SubmitWithContext to provide a custom context.
func (p *workerPool) Submit(task Task) error {
	return p.SubmitWithContext(context.Background(), task)
}

// SubmitWithTimeout submits a task, giving up if no worker or queue slot
// becomes available within timeout.
func (p *workerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	if err := validation.ValidatePositiveDuration("workerpool", "timeout", timeout); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// The task must not inherit the queuing deadline.
	return p.enqueue(ctx, taskWithContext{task: task, ctx: context.Background()})
}

// SubmitWithContext adds a task to the pool for execution with the given context.
// The context is passed to the task's Execute method, enabling timeout and
// cancellation propagation. If the pool has a TaskTimeout configured, the
// effective timeout will be the minimum of the context deadline and TaskTimeout.
func (p *workerPool) SubmitWithContext(ctx context.Context, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.enqueue(ctx, taskWithContext{task: task, ctx: ctx})
}

func (p *workerPool) enqueue(ctx context.Context, twc taskWithContext) error {
	if twc.task == nil {
		return validation.ValidateNotNil("workerpool", "task", nil)
	}

	// Check if context is already canceled before attempting to queue
	select {
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: %w", ctx.Err())
	default:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.isShutdown {
		return fmt.Errorf("cannot submit task to pool %q: %w", p.config.Name, clerrors.ErrClosed)
	}

	select {
	case p.taskQueue <- twc:
		p.totalSubmitted.Add(1)
		return nil
	default:
	}

	// The loop goroutine must never wait on a busy pool.
	if clcontext.InLoop(ctx) {
		return fmt.Errorf("pool %q has no free worker or queue slot: %w", p.config.Name, clerrors.ErrCapacityExceeded)
	}

	select {
	case p.taskQueue <- twc:
		p.totalSubmitted.Add(1)
		return nil
	case <-p.closing:
		return fmt.Errorf("cannot submit task to pool %q: %w", p.config.Name, clerrors.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: %w", ctx.Err())
	}
}

// Shutdown initiates a graceful shutdown of the pool. Queued tasks still run.
func (p *workerPool) Shutdown() <-chan struct{} {
	p.shutdownOnce.Do(func() {
		// Release submitters blocked on a full queue before taking the lock.
		close(p.closing)

		p.mu.Lock()
		p.isShutdown = true
		close(p.taskQueue)
		p.mu.Unlock()

		go func() {
			p.workerWg.Wait()
			p.cancel()
			close(p.done)
		}()
	})
	return p.done
}

// ShutdownWithTimeout shuts the pool down and cancels the context of tasks
// still running after timeout.
func (p *workerPool) ShutdownWithTimeout(timeout time.Duration) <-chan struct{} {
	done := p.Shutdown()
	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			p.logger.Warn("shutdown timeout elapsed, cancelling running tasks", "timeout", timeout)
			p.cancel()
		}
	}()
	return done
}

// Size returns the number of workers in the pool.
func (p *workerPool) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the current number of queued tasks waiting for execution.
func (p *workerPool) QueueSize() int {
	return len(p.taskQueue)
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (p *workerPool) ActiveWorkers() int {
	return int(p.activeWorkers.Load())
}

// TotalSubmitted returns the total number of tasks accepted by the pool.
func (p *workerPool) TotalSubmitted() int64 {
	return p.totalSubmitted.Load()
}

// TotalCompleted returns the total number of tasks the pool finished running.
func (p *workerPool) TotalCompleted() int64 {
	return p.totalCompleted.Load()
}

// work is the main loop for a worker.
func (p *workerPool) work(id int) {
	defer p.workerWg.Done()
	for twc := range p.taskQueue {
		p.execute(id, twc)
	}
}

// execute runs a single task and records its outcome.
func (p *workerPool) execute(id int, twc taskWithContext) {
	active := p.activeWorkers.Add(1)
	p.setActive(active)

	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			if p.config.PanicHandler != nil {
				p.config.PanicHandler(twc.task, r)
			}
			err = fmt.Errorf("task panicked: %v\nStack trace:\n%s", r, debug.Stack())
		}

		active := p.activeWorkers.Add(-1)
		p.setActive(active)
		p.totalCompleted.Add(1)

		result := Result{
			Task:     twc.task,
			Error:    err,
			Duration: time.Since(start),
			WorkerID: id,
		}
		p.observe(result)
	}()

	ctx, cancel := context.WithCancel(twc.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	// The effective timeout is the minimum of the context deadline and TaskTimeout
	if p.config.TaskTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancelTimeout()
	}

	err = twc.task.Execute(ctx)
}

func (p *workerPool) observe(result Result) {
	if m := p.config.Metrics; m != nil {
		m.OffloadTasks.WithLabelValues(p.config.Name).Inc()
		if result.Error != nil {
			m.OffloadFailed.WithLabelValues(p.config.Name).Inc()
		}
	}

	if p.config.OnTaskComplete != nil {
		p.config.OnTaskComplete(result.WorkerID, result)
		return
	}
	if result.Error != nil {
		p.logger.Warn("offload task failed",
			"worker", result.WorkerID,
			"duration", result.Duration,
			"error", result.Error)
	}
}

func (p *workerPool) setActive(n int32) {
	if m := p.config.Metrics; m != nil {
		m.WorkerPoolActive.WithLabelValues(p.config.Name).Set(float64(n))
	}
}
