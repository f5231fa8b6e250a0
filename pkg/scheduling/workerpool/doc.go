/*
Package workerpool runs blocking work off the main loop.

The main loop must never block: disk and network access, external processes
and long computations belong on a Pool. A Pool owns a fixed number of worker
goroutines fed from a bounded task queue.

	pool, err := workerpool.NewWithConfig(workerpool.Config{
		WorkerCount: 4,
		QueueSize:   64,
		Submitter:   loop, // *mainloop.Loop or *queue.Set
	})
	if err != nil {
		return err
	}
	defer func() { <-pool.Shutdown() }()

Task and reply:

SubmitAndReply runs a Call on a worker and queues the Reply under a category
of the loop, so the result is consumed on the loop goroutine with the loop
context:

	err := pool.SubmitAndReply(ctx, readSettings, queue.Config,
		func(ctx context.Context, v any, err error) error {
			return applySettings(ctx, v, err)
		})

A Call that panics is delivered to the Reply as an error. If the loop has
already stopped, the reply is dropped and the task result carries
errors.ErrClosed.

Plain tasks:

Submit, SubmitWithContext and SubmitWithTimeout accept any Task. The context
given to SubmitWithContext bounds the wait for a free slot and is passed to the
task; Config.TaskTimeout further limits each execution. A context carrying
the loop marker never waits: if no worker or slot is free the submission fails
with errors.ErrCapacityExceeded, so event handlers and deferred items can
offload without stalling the loop. WithBackoff retries a
failing task with exponential delays on the same worker.

Shutdown:

Shutdown stops accepting tasks, releases submitters waiting for space, runs
what is already queued and closes the returned channel once every worker has
exited. ShutdownWithTimeout additionally cancels the context of tasks that
are still running when the timeout elapses.

Failed tasks are passed to Config.OnTaskComplete when set and logged
otherwise. With Config.Metrics the pool records executed and failed tasks and
the number of busy workers.
*/
package workerpool
