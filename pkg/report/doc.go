// Package report delivers failure reports raised at the loop's execution
// boundaries to durable sinks.
//
// Work item failures never stop the loop, so they must not disappear either:
// every drained deferred item or stepped task that fails is handed to a
// Reporter together with its identity (function name, category or task
// handle) and, for panics, the captured stack.
//
// Sinks:
//
//	logger := report.NewLogger(slog.Default())
//
//	stream, _ := report.NewRedis(report.RedisConfig{
//		Client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//		Stream: "coreloop:failures",
//	})
//	defer stream.Close()
//
//	r := report.Multi(logger, stream)
//
// A task that fails on every tick would produce one report per tick.
// NewThrottled bounds the rate of work item reports with a token bucket and
// logs how many were dropped:
//
//	limiter, _ := bucket.New(10, 50)
//	r = report.NewThrottled(r, limiter, slog.Default())
package report
