package report

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
)

// RedisConfig holds configuration for the Redis stream reporter.
type RedisConfig struct {
	// Client is the Redis connection used for XADD.
	Client redis.UniversalClient

	// Stream is the stream key reports are appended to.
	// Default: "coreloop:failures"
	Stream string

	// MaxLen trims the stream approximately to this many entries. Zero disables trimming.
	// Default: 10000
	MaxLen int64

	// RunID is stamped on every entry to correlate reports of one loop run.
	RunID string

	// Buffer is the number of reports held in memory while Redis is written.
	// Default: 256
	Buffer int

	// Timeout bounds each XADD call.
	// Default: 2 seconds
	Timeout time.Duration

	// Fallback receives reports that could not be queued or written.
	// Default: slog.Default()
	Fallback *slog.Logger
}

// RedisStats holds delivery counters of a Redis reporter.
type RedisStats struct {
	Written  int64
	Failed   int64
	Overflow int64
}

type redisEntry struct {
	at     time.Time
	values map[string]interface{}
	err    error
}

// Redis appends failure reports to a Redis stream from a background
// goroutine, so the loop never waits on the network. Reports that cannot be
// buffered or written are sent to the fallback logger instead of being dropped.
type Redis struct {
	config  RedisConfig
	entries chan redisEntry
	done    chan struct{}
	wg      sync.WaitGroup

	// mu orders Report against Close so nothing is queued after the
	// writer has drained.
	mu     sync.RWMutex
	closed bool

	written  atomic.Int64
	failed   atomic.Int64
	overflow atomic.Int64
}

// NewRedis creates a Redis stream reporter and starts its writer goroutine.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Client == nil {
		return nil, validation.ValidateNotNil("report", "client", nil)
	}
	if config.Stream == "" {
		config.Stream = "coreloop:failures"
	}
	if config.MaxLen < 0 {
		return nil, clerrors.NewValidationError("report", "max_len", config.MaxLen, "cannot be negative")
	}
	if config.MaxLen == 0 {
		config.MaxLen = 10000
	}
	if config.Buffer <= 0 {
		config.Buffer = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Fallback == nil {
		config.Fallback = slog.Default()
	}

	r := &Redis{
		config:  config,
		entries: make(chan redisEntry, config.Buffer),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Report queues err for the stream. It never blocks.
func (r *Redis) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	entry := redisEntry{at: time.Now(), values: r.values(err), err: err}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.fallback(ctx, err, clerrors.ErrClosed)
		return
	}
	select {
	case r.entries <- entry:
		r.mu.RUnlock()
	default:
		r.mu.RUnlock()
		r.overflow.Add(1)
		r.fallback(ctx, err, clerrors.ErrCapacityExceeded)
	}
}

// Close stops accepting reports, writes what is buffered and waits for the
// writer goroutine to exit.
func (r *Redis) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

// Stats returns delivery counters.
func (r *Redis) Stats() RedisStats {
	return RedisStats{
		Written:  r.written.Load(),
		Failed:   r.failed.Load(),
		Overflow: r.overflow.Load(),
	}
}

func (r *Redis) run() {
	defer r.wg.Done()

	for {
		select {
		case e := <-r.entries:
			r.write(e)
		case <-r.done:
			for {
				select {
				case e := <-r.entries:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Redis) write(e redisEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	e.values["time"] = e.at.UTC().Format(time.RFC3339Nano)
	err := r.config.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.config.Stream,
		MaxLen: r.config.MaxLen,
		Approx: true,
		Values: e.values,
	}).Err()
	if err != nil {
		r.failed.Add(1)
		r.fallback(ctx, e.err, err)
		return
	}
	r.written.Add(1)
}

func (r *Redis) fallback(ctx context.Context, reported, cause error) {
	attrs := append(Attrs(reported), slog.String("stream", r.config.Stream), slog.String("redis_error", cause.Error()))
	r.config.Fallback.LogAttrs(ctx, slog.LevelError, Message(reported)+" (redis report undelivered)", attrs...)
}

func (r *Redis) values(err error) map[string]interface{} {
	values := map[string]interface{}{
		"run_id": r.config.RunID,
		"error":  err.Error(),
	}

	var wie *clerrors.WorkItemError
	var lce *clerrors.LoopControlError
	switch {
	case errors.As(err, &wie):
		values["kind"] = wie.Kind
		values["name"] = wie.Name
		switch wie.Kind {
		case clerrors.KindTask:
			values["handle"] = strconv.FormatUint(wie.Handle, 10)
		case clerrors.KindDeferred:
			values["category"] = wie.Category
		}
		if len(wie.Stack) > 0 {
			values["stack"] = string(wie.Stack)
		}
	case errors.As(err, &lce):
		values["kind"] = "loop"
		values["op"] = lce.Op
	default:
		values["kind"] = "other"
	}
	return values
}
