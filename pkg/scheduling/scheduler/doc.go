/*
Package scheduler provides timers that feed the main loop.

A Scheduler keeps a set of named entries and, from its own goroutine, submits
each entry's function to a Submitter when it falls due. The function always
executes on the loop goroutine, inside the category it was scheduled on, so
timer callbacks follow the same ordering and failure rules as any other
deferred item. The due Entry is passed as the first positional argument.

Basic usage:

	timers, err := scheduler.New(loop)
	if err != nil {
		return err
	}
	if err := timers.Start(ctx); err != nil {
		return err
	}
	defer func() { <-timers.Stop() }()

	// One-shot
	timers.ScheduleAfter("announce-time", queue.Speech, announce, 5*time.Second)

	// Every 30 seconds, starting 30 seconds from now
	timers.ScheduleRepeating("battery", queue.UserInterface, checkBattery, 30*time.Second)

	// Cron expression with a seconds field, or a descriptor
	timers.ScheduleCron("autosave", "0 */5 * * * *", queue.Config, saveConfig)
	timers.ScheduleCron("update-check", "@daily", queue.Config, checkUpdates)

Entries are identified by ID; scheduling a second entry with the same ID is a
configuration error until the first is cancelled or has fired.

Back-pressure:

When the target queue is full the timer goroutine waits for the loop to free
a slot, so a due entry is delayed rather than dropped. Other due entries wait
behind it. Stop abandons a submission that is still waiting.
*/
package scheduler
