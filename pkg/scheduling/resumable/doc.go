/*
Package resumable provides the registry of long-running computations that the
main loop advances one step per tick.

A task is any Stepper. Each call to Registry.StepAll advances every registered
task exactly once, in the order the tasks were scheduled, so any number of
tasks interleave on the loop goroutine without locks of their own. A step must
return quickly: nothing preempts it, and while it runs nothing else in the
process does.

Range-over-func iterators make natural tasks. FromSeq turns an iter.Seq into a
Stepper through iter.Pull, so the iterator body is suspended at every yield and
resumed on the next tick:

	h, err := registry.Schedule(resumable.FromSeq(func(yield func(any) bool) {
		for _, line := range lines {
			if !yield(line) {
				return // cancelled
			}
		}
	}))

	// main loop goroutine, once per tick
	tick := registry.StepAll(ctx)

A task leaves the registry when it completes, when one of its steps fails or
panics (the failure is reported and the task is not retried) or when it is
cancelled. Cancel is idempotent. The final value of a completed task stays
readable through LastValue until the next StepAll.
*/
package resumable
