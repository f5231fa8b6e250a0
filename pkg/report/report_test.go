package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
)

// syncBuffer guards a bytes.Buffer shared by a logger and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func TestLoggerReporter_WorkItem(t *testing.T) {
	logger, buf := newTestLogger()
	r := NewLogger(logger)

	r.Report(context.Background(), &clerrors.WorkItemError{
		Kind:     clerrors.KindDeferred,
		Name:     "main.speak",
		Category: "speech",
		Cause:    errors.New("synth offline"),
	})

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, `msg="work item failed"`)
	assert.Contains(t, out, "category=speech")
	assert.Contains(t, out, "name=main.speak")
	assert.Contains(t, out, "synth offline")
}

func TestLoggerReporter_TaskAndLoop(t *testing.T) {
	logger, buf := newTestLogger()
	r := NewLogger(logger)

	r.Report(context.Background(), &clerrors.WorkItemError{
		Kind:   clerrors.KindTask,
		Name:   "sayAll",
		Handle: 42,
		Cause:  errors.New("lost caret"),
		Stack:  []byte("goroutine 1 [running]"),
	})
	r.Report(context.Background(), clerrors.NewLoopControlError("event pump", errors.New("peek")))
	r.Report(context.Background(), nil)

	out := buf.String()
	assert.Contains(t, out, "handle=42")
	assert.Contains(t, out, "goroutine 1")
	assert.Contains(t, out, `msg="main loop failure"`)
	assert.Contains(t, out, `op="event pump"`)
}

func TestMulti(t *testing.T) {
	var got []string
	record := func(prefix string) Reporter {
		return Func(func(_ context.Context, err error) {
			got = append(got, prefix+":"+err.Error())
		})
	}

	r := Multi(record("a"), nil, record("b"))
	r.Report(context.Background(), errors.New("x"))

	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

func TestMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&clerrors.WorkItemError{Cause: errors.New("x")}, "work item failed"},
		{fmt.Errorf("tick: %w", clerrors.NewLoopControlError("drain", errors.New("x"))), "main loop failure"},
		{errors.New("x"), "main loop error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Message(tt.err), tt.err.Error())
	}
}

func TestNewRedis_Validation(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, clerrors.ErrConfiguration))

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer func() { _ = client.Close() }()

	_, err = NewRedis(RedisConfig{Client: client, MaxLen: -1})
	require.Error(t, err)
	assert.True(t, clerrors.IsValidationError(err))
}

func TestRedis_FallbackWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	logger, buf := newTestLogger()
	r, err := NewRedis(RedisConfig{Client: client, Fallback: logger, RunID: "run-1"})
	require.NoError(t, err)

	r.Report(context.Background(), &clerrors.WorkItemError{
		Kind:     clerrors.KindDeferred,
		Name:     "main.tick",
		Category: "config",
		Cause:    errors.New("bad profile"),
	})
	require.NoError(t, r.Close())

	stats := r.Stats()
	assert.Equal(t, int64(0), stats.Written)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Contains(t, buf.String(), "redis report undelivered")
	assert.Contains(t, buf.String(), "bad profile")

	// Reports after Close still reach the fallback.
	r.Report(context.Background(), errors.New("late"))
	assert.Contains(t, buf.String(), "late")
}

func TestRedis_ReportsRacingCloseReachFallback(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = client.Close() }()

	logger, buf := newTestLogger()
	r, err := NewRedis(RedisConfig{Client: client, Fallback: logger, Buffer: 512})
	require.NoError(t, err)

	const reporters, each = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				r.Report(context.Background(), fmt.Errorf("failure %d-%d", i, j))
			}
		}(i)
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, r.Close())
	wg.Wait()

	assert.Equal(t, reporters*each, strings.Count(buf.String(), "redis report undelivered"))
}

func TestRedis_WritesStream(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis stream test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	stream := fmt.Sprintf("coreloop:test:%d", time.Now().UnixNano())
	defer client.Del(ctx, stream)

	r, err := NewRedis(RedisConfig{Client: client, Stream: stream, RunID: "run-2"})
	require.NoError(t, err)

	r.Report(ctx, &clerrors.WorkItemError{Kind: clerrors.KindTask, Name: "sayAll", Handle: 3, Cause: errors.New("x")})
	require.NoError(t, r.Close())

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-2", entries[0].Values["run_id"])
	assert.Equal(t, "task", entries[0].Values["kind"])
	assert.Equal(t, "3", entries[0].Values["handle"])
	assert.Equal(t, int64(1), r.Stats().Written)
}
