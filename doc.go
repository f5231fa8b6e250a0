/*
Package coreloop provides a cooperative main loop for Go applications that
must serialize work onto one goroutine while accepting it from many.

Scheduling (pkg/scheduling):
  - queue: Bounded per-category queues of deferred calls
  - resumable: Long-running tasks advanced one step per tick
  - mainloop: The loop itself, with native event pumping and ordered shutdown
  - scheduler: Call-later, repeating and cron timers that feed the loop
  - workerpool: Blocking work offloaded to workers, replies queued on the loop

Supporting packages:
  - config: Viper-backed configuration for the loop and its producers
  - report: Failure reporting to slog, Redis streams, or both
  - metrics: Prometheus collectors for ticks, queues and tasks
  - ratelimit/bucket: Token bucket used to throttle failure reports
  - streaming/writer: Non-blocking buffered output for loop handlers

Example usage:

	import (
		"github.com/vnykmshr/coreloop/pkg/scheduling/mainloop"
		"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
	)

	loop, _ := mainloop.New(mainloop.Config{Capacity: 1000})

	go func() {
		_ = loop.Submit(ctx, queue.Speech, speak, []any{"hello"}, nil)
	}()

	err := loop.Run(ctx) // until loop.RequestShutdown()
*/
package coreloop
