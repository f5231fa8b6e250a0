/*
Package queue provides the deferred execution lanes of the main loop.

A Set holds one bounded FIFO queue per execution category. Producers on any
goroutine append function calls with Submit; the main loop calls DrainOneEach
once per tick, which executes at most one item from every non-empty category
in the fixed category order. One item per category per tick keeps a backlog in
one lane from starving the others, and keeps the latency of a tick bounded no
matter how deep the queues are.

Basic usage:

	set := queue.NewSet()
	if err := set.Initialize(queue.DefaultCategories(), queue.DefaultCapacity); err != nil {
		return err
	}

	// any goroutine
	err := set.Submit(ctx, queue.Speech, speak, []any{"hello"}, map[string]any{"wait": true})

	// main loop goroutine
	results, err := set.DrainOneEach(ctx)

Full queues:

Submit waits until the loop frees a slot, until the caller's context ends or
until the set is torn down. TrySubmit never waits and reports
errors.ErrCapacityExceeded instead. Work running on the loop itself receives a
context marked by context.WithinLoop; a Submit made with that context fails
instead of waiting, since the loop cannot drain while it is blocked.

Failures:

A deferred function that returns an error or panics is wrapped in an
*errors.WorkItemError naming the function and category, handed to the
configured report.Reporter, and the drain moves on to the next category.
*/
package queue
