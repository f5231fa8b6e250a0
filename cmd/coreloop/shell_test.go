package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/coreloop/internal/testutil"
	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
	"github.com/vnykmshr/coreloop/pkg/scheduling/mainloop"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
	"github.com/vnykmshr/coreloop/pkg/scheduling/scheduler"
	"github.com/vnykmshr/coreloop/pkg/scheduling/workerpool"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		verb string
		args []string
		rest string
	}{
		{"", false, "", nil, ""},
		{"   ", false, "", nil, ""},
		{"quit", true, "quit", []string{}, ""},
		{"SAY  hello   world ", true, "say", []string{"hello", "world"}, "hello   world"},
		{"after 2s time to go", true, "after", []string{"2s", "time", "to", "go"}, "2s time to go"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, ok := parseCommand(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.verb, cmd.verb)
			assert.Equal(t, tt.args, cmd.args)
			assert.Equal(t, tt.rest, cmd.rest)
		})
	}
}

type shellFixture struct {
	loop   *mainloop.Loop
	timers scheduler.Scheduler
	shell  *shell
	out    *bytes.Buffer
	ctx    context.Context
}

func newShellFixture(t *testing.T) *shellFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loop, err := mainloop.New(mainloop.Config{Logger: logger})
	require.NoError(t, err)
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(func() {
		loop.RequestShutdown()
		_ = loop.Run(context.Background())
	})

	timers, err := scheduler.NewWithConfig(scheduler.Config{Submitter: loop, Logger: logger})
	require.NoError(t, err)

	pool, err := workerpool.NewWithConfig(workerpool.Config{WorkerCount: 1, QueueSize: 4, Submitter: loop, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Shutdown() })

	out := &bytes.Buffer{}
	return &shellFixture{
		loop:   loop,
		timers: timers,
		shell:  &shell{loop: loop, timers: timers, pool: pool, out: out},
		out:    out,
		ctx:    clcontext.WithinLoop(context.Background()),
	}
}

func (f *shellFixture) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, f.shell.handle(f.ctx, line))
}

func (f *shellFixture) tick(t *testing.T) {
	t.Helper()
	_, err := f.loop.Tick(context.Background())
	require.NoError(t, err)
}

func TestShell_QueuedItems(t *testing.T) {
	f := newShellFixture(t)

	f.send(t, "say hello there")
	f.send(t, "key enter")
	assert.Empty(t, f.out.String())

	f.tick(t)
	assert.Equal(t, "key enter\nspeak hello there\n", f.out.String())
}

func TestShell_Tasks(t *testing.T) {
	f := newShellFixture(t)

	f.send(t, "count 2")
	assert.Equal(t, "task 1 started\n", f.out.String())

	f.send(t, "value 1")
	assert.Contains(t, f.out.String(), "task 1: no value")

	f.tick(t)
	f.send(t, "value 1")
	assert.Contains(t, f.out.String(), "task 1: 1\n")

	f.send(t, "cancel 1")
	assert.False(t, f.loop.Tasks().Exists(1))
}

func TestShell_Timers(t *testing.T) {
	f := newShellFixture(t)

	f.send(t, "after 1h remember")
	f.send(t, "every 30m stretch")
	f.send(t, "cron 0 0 9 * * * good morning")
	assert.Contains(t, f.out.String(), "timer t1 set\n")
	assert.Contains(t, f.out.String(), "timer t2 set\n")
	assert.Contains(t, f.out.String(), "timer t3 set, next at 09:00:00")
	assert.Len(t, f.timers.List(), 3)

	f.send(t, "stop t1")
	f.send(t, "stop t9")
	assert.Contains(t, f.out.String(), "no timer t9")
	assert.Len(t, f.timers.List(), 2)

	err := f.shell.handle(f.ctx, "cron 99 * * * * * broken")
	assert.Error(t, err)
}

func TestShell_TimerDelivery(t *testing.T) {
	f := newShellFixture(t)
	fn := f.shell.speakLater("hi")

	require.NoError(t, fn(f.ctx, []any{scheduler.Entry{ID: "t7", Runs: 2}}, nil))
	assert.Equal(t, "speak hi (timer t7, run 2)\n", f.out.String())
}

func TestShell_OffloadedStat(t *testing.T) {
	f := newShellFixture(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	f.send(t, "stat "+path)
	assert.Eventually(t, func() bool {
		return f.loop.Queues().Len(queue.UserInterface) == 1
	}, testutil.TestTimeout, 5*time.Millisecond)

	f.tick(t)
	assert.Contains(t, f.out.String(), path+": 5 bytes")
}

func TestShell_Errors(t *testing.T) {
	f := newShellFixture(t)

	f.send(t, "count many")
	f.send(t, "say")
	f.send(t, "after soon hello")
	assert.Equal(t, 3, strings.Count(f.out.String(), "usage: "))

	err := f.shell.handle(f.ctx, "dance")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "dance"`)

	f.send(t, "")
	f.send(t, "help")
	assert.Contains(t, f.out.String(), "commands:")
}

func TestShell_FullQueueIsBusy(t *testing.T) {
	f := newShellFixture(t)
	noop := func(context.Context, []any, map[string]any) error { return nil }
	for i := 0; i < f.loop.Queues().Capacity(); i++ {
		require.NoError(t, f.loop.TrySubmit(queue.Keyboard, noop, nil, nil))
	}

	f.send(t, "key enter")
	assert.Equal(t, "busy, try key again later\n", f.out.String())
	assert.Equal(t, f.loop.Queues().Capacity(), f.loop.Queues().Len(queue.Keyboard))
}

func TestShell_Quit(t *testing.T) {
	f := newShellFixture(t)
	f.send(t, "quit")
	assert.Equal(t, mainloop.ShuttingDown, f.loop.State())
}

func TestRun_EndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coreloop.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"error\"\n"), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), path, strings.NewReader("say hi\ncount 1\nstatus\nquit\n"), &out, io.Discard)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "ready, type help")
	assert.Contains(t, got, "speak hi\n")
	assert.Contains(t, got, "task 1 started\n")
	assert.Contains(t, got, "loop main: running")
}

func TestRun_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coreloop.toml")
	require.NoError(t, os.WriteFile(path, []byte("[loop]\ncapacity = -1\n"), 0o600))

	err := run(context.Background(), path, strings.NewReader(""), io.Discard, io.Discard)
	require.Error(t, err)
}
