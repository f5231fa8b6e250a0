// Package metrics provides Prometheus instrumentation for the main loop and
// its producers.
//
// # Quick Start
//
//	reg := prometheus.NewRegistry()
//	loop, _ := mainloop.New(mainloop.Config{
//		Name:    "core",
//		Metrics: metrics.Config{Enabled: true, Registry: reg},
//	})
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Available Metrics
//
// Loop:
//
//   - coreloop_loop_ticks_total: Loop iterations
//   - coreloop_loop_idle_sleeps_total: Iterations that found nothing to do
//   - coreloop_loop_events_dispatched_total: Native events dispatched
//
// Deferred queues:
//
//   - coreloop_queue_items_executed_total: Deferred items executed
//   - coreloop_queue_items_failed_total: Deferred items that failed
//   - coreloop_queue_item_duration_seconds: Execution time of deferred items
//   - coreloop_queue_item_wait_seconds: Time items spent queued
//   - coreloop_queue_depth: Items currently queued
//   - coreloop_queue_submit_waits_total: Submissions that waited for space
//
// Resumable tasks:
//
//   - coreloop_tasks_active: Registered tasks
//   - coreloop_tasks_steps_total, coreloop_tasks_completed_total, coreloop_tasks_failed_total
//
// Producers:
//
//   - coreloop_timers_fired_total: Timer entries submitted onto the loop
//   - coreloop_workerpool_tasks_total, coreloop_workerpool_failed_total, coreloop_workerpool_active_workers
//
// # Labels
//
//   - loop_name: Name of the main loop instance
//   - category: Execution category of a deferred queue
//   - scheduler_name: Name of a timer scheduler
//   - pool_name: Name of an offload worker pool
package metrics
