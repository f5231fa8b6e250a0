/*
Package mainloop drives a single-threaded cooperative main loop.

A Loop owns a queue.Set of deferred calls, a resumable.Registry of long-running
tasks and an optional native EventSource. Every tick it:

 1. executes at most one deferred item from each category, in category order;
 2. advances every resumable task by one step;
 3. dispatches at most one pending native event;
 4. sleeps for Config.IdleSleep if none of the above found work.

Everything the loop runs shares the loop goroutine, so loop-owned state needs
no locking. Other goroutines interact with the loop only through its Producer
methods.

Lifecycle:

	Uninitialized --Start--> Running --RequestShutdown--> ShuttingDown --> Stopped
	      |                     |
	      +--start failure------+--fatal error--> Stopped (abort)

Start initializes the queues and then each Subsystem in order. A failure
calls Config.OnAbort, terminates the subsystems already initialized in
reverse order and leaves the loop Stopped without having ticked.

Shutdown is cooperative: RequestShutdown only clears the run flag, the tick in
progress completes, then the focused element (Config.Focus) loses focus,
subsystems terminate in reverse order and queued work is discarded.

Failures:

Deferred items, task steps and event handlers that fail are reported through
Config.Reporter and the loop carries on. A *errors.LoopControlError, raised by
the loop's own bookkeeping or by the event pump, is fatal and takes the abort
path.
*/
package mainloop
