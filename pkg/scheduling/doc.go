/*
Package scheduling groups the pieces of the main loop.

  - queue: Bounded FIFO queues of deferred calls, one per category
  - resumable: Registry of tasks stepped once per tick
  - mainloop: Ticks the queues, the tasks and the native event source
  - scheduler: Timers that submit deferred calls when due
  - workerpool: Worker goroutines for blocking work, replying onto the loop

Main Loop:

Producers on any goroutine submit deferred calls; only the loop goroutine
runs them:

	loop, err := mainloop.New(mainloop.Config{Name: "main"})
	if err != nil {
		return err
	}

	go loop.Submit(ctx, queue.Keyboard, handleKey, []any{key}, nil)

	return loop.Run(ctx)

Each tick drains at most one call per category, steps every resumable task
once and dispatches at most one native event. The loop sleeps briefly when
a tick found nothing to do.

Timers:

	timers, _ := scheduler.New(loop)
	timers.Start(ctx)
	defer func() { <-timers.Stop() }()

	timers.ScheduleAfter("greeting", queue.Speech, speak, time.Second)
	timers.ScheduleCron("hourly", "0 0 * * * *", queue.UserInterface, refresh)

Offloading:

Blocking calls run on a worker pool and their outcome comes back as a
deferred call on the loop:

	pool, _ := workerpool.NewWithConfig(workerpool.Config{Submitter: loop})
	defer func() { <-pool.Shutdown() }()

	pool.SubmitAndReply(ctx, lookup, queue.Speech, announce)

Producers called from inside the loop never wait for queue space; a full
queue fails with errors.ErrCapacityExceeded instead.
*/
package scheduling
