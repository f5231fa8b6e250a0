package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"
	"time"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/scheduling/mainloop"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
	"github.com/vnykmshr/coreloop/pkg/scheduling/resumable"
	"github.com/vnykmshr/coreloop/pkg/scheduling/scheduler"
	"github.com/vnykmshr/coreloop/pkg/scheduling/workerpool"
)

const quitLine = "quit"

const helpText = `commands:
  key <name>                  queue a keyboard item
  say <text>                  queue a speech item
  count <n>                   start a task yielding 1..n, one value per tick
  cancel <handle>             cancel a task
  value <handle>              show the last value of a task
  after <duration> <text>     speak text once after duration
  every <duration> <text>     speak text repeatedly
  cron <6 fields> <text>      speak text on a cron schedule (seconds first)
  stop <timer>                cancel a timer
  stat <path>                 stat a file off the loop, report on the loop
  status                      show loop state
  quit                        shut down`

var errUsage = errors.New("usage")

// shell handles input lines on the loop goroutine. Nothing in it blocks.
type shell struct {
	loop   mainloop.Producer
	timers scheduler.Scheduler
	pool   workerpool.Pool
	out    io.Writer

	status  func() string
	timerID int
}

// command is one parsed input line.
type command struct {
	verb string
	args []string
	rest string // everything after the verb
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	return command{verb: strings.ToLower(fields[0]), args: fields[1:], rest: rest}, true
}

// tail joins the arguments from index i on.
func (c command) tail(i int) string {
	if i >= len(c.args) {
		return ""
	}
	return strings.Join(c.args[i:], " ")
}

func (s *shell) handle(ctx context.Context, ev mainloop.Event) error {
	line, _ := ev.(string)
	cmd, ok := parseCommand(line)
	if !ok {
		return nil
	}
	if err := s.exec(ctx, cmd); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(s.out, err)
			return nil
		}
		if clerrors.IsTemporary(err) {
			fmt.Fprintf(s.out, "busy, try %s again later\n", cmd.verb)
			return nil
		}
		return fmt.Errorf("%s: %w", cmd.verb, err)
	}
	return nil
}

func usage(format string) error {
	return fmt.Errorf("%w: %s", errUsage, format)
}

func (s *shell) exec(ctx context.Context, cmd command) error {
	switch cmd.verb {
	case "help":
		fmt.Fprintln(s.out, helpText)
		return nil

	case "key":
		if cmd.rest == "" {
			return usage("key <name>")
		}
		return s.loop.Submit(ctx, queue.Keyboard, s.echo, []any{"key", cmd.rest}, nil)

	case "say":
		if cmd.rest == "" {
			return usage("say <text>")
		}
		return s.loop.Submit(ctx, queue.Speech, s.echo, []any{"speak", cmd.rest}, nil)

	case "count":
		n, err := s.intArg(cmd, 0, "count <n>")
		if err != nil {
			return err
		}
		h, err := s.loop.Schedule(resumable.Named("count", resumable.FromSeq(countTo(n))))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "task %d started\n", h)
		return nil

	case "cancel":
		n, err := s.intArg(cmd, 0, "cancel <handle>")
		if err != nil {
			return err
		}
		s.loop.Cancel(resumable.Handle(n))
		return nil

	case "value":
		n, err := s.intArg(cmd, 0, "value <handle>")
		if err != nil {
			return err
		}
		if tasks := s.tasks(); tasks != nil {
			if v, ok := tasks.LastValue(resumable.Handle(n)); ok {
				fmt.Fprintf(s.out, "task %d: %v\n", n, v)
				return nil
			}
		}
		fmt.Fprintf(s.out, "task %d: no value\n", n)
		return nil

	case "after", "every":
		if len(cmd.args) < 2 {
			return usage(cmd.verb + " <duration> <text>")
		}
		d, err := time.ParseDuration(cmd.args[0])
		if err != nil || d <= 0 {
			return usage(cmd.verb + " <duration> <text>")
		}
		id := s.nextTimerID()
		fn := s.speakLater(cmd.tail(1))
		if cmd.verb == "after" {
			err = s.timers.ScheduleAfter(id, queue.Speech, fn, d)
		} else {
			err = s.timers.ScheduleRepeating(id, queue.Speech, fn, d)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "timer %s set\n", id)
		return nil

	case "cron":
		if len(cmd.args) < 7 {
			return usage("cron <sec> <min> <hour> <dom> <month> <dow> <text>")
		}
		id := s.nextTimerID()
		expr := strings.Join(cmd.args[:6], " ")
		if err := s.timers.ScheduleCron(id, expr, queue.Speech, s.speakLater(cmd.tail(6))); err != nil {
			return err
		}
		next, _ := s.timers.Next(id)
		fmt.Fprintf(s.out, "timer %s set, next at %s\n", id, next.Format(time.TimeOnly))
		return nil

	case "stop":
		if len(cmd.args) != 1 {
			return usage("stop <timer>")
		}
		if !s.timers.Cancel(cmd.args[0]) {
			fmt.Fprintf(s.out, "no timer %s\n", cmd.args[0])
		}
		return nil

	case "stat":
		if cmd.rest == "" {
			return usage("stat <path>")
		}
		return s.pool.SubmitAndReply(ctx, statFile(cmd.rest), queue.UserInterface, s.reportStat(cmd.rest))

	case "status":
		if s.status != nil {
			fmt.Fprintln(s.out, s.status())
		}
		return nil

	case quitLine:
		s.loop.RequestShutdown()
		return nil

	default:
		return fmt.Errorf("unknown command %q, try help", cmd.verb)
	}
}

func (s *shell) intArg(cmd command, i int, form string) (int, error) {
	if len(cmd.args) <= i {
		return 0, usage(form)
	}
	n, err := strconv.Atoi(cmd.args[i])
	if err != nil || n < 0 {
		return 0, usage(form)
	}
	return n, nil
}

func (s *shell) nextTimerID() string {
	s.timerID++
	return "t" + strconv.Itoa(s.timerID)
}

func (s *shell) tasks() *resumable.Registry {
	if l, ok := s.loop.(interface{ Tasks() *resumable.Registry }); ok {
		return l.Tasks()
	}
	return nil
}

func (s *shell) echo(_ context.Context, args []any, _ map[string]any) error {
	fmt.Fprintln(s.out, args...)
	return nil
}

func (s *shell) speakLater(text string) queue.Func {
	return func(_ context.Context, args []any, _ map[string]any) error {
		if e, ok := args[0].(scheduler.Entry); ok {
			fmt.Fprintf(s.out, "speak %s (timer %s, run %d)\n", text, e.ID, e.Runs)
			return nil
		}
		fmt.Fprintln(s.out, "speak", text)
		return nil
	}
}

func (s *shell) reportStat(path string) workerpool.Reply {
	return func(_ context.Context, value any, err error) error {
		if err != nil {
			return err
		}
		info := value.(os.FileInfo)
		fmt.Fprintf(s.out, "%s: %d bytes, modified %s\n", path, info.Size(), info.ModTime().Format(time.DateTime))
		return nil
	}
}

func statFile(path string) workerpool.Call {
	return func(context.Context) (any, error) {
		return os.Stat(path)
	}
}

func countTo(n int) iter.Seq[any] {
	return func(yield func(any) bool) {
		for i := 1; i <= n; i++ {
			if !yield(i) {
				return
			}
		}
	}
}
