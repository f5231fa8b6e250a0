// Command coreloop runs a main loop driven by lines read from standard input.
//
// Each line is a native event. The loop drains deferred work by category,
// steps resumable tasks and dispatches one line per tick. Type "help" for
// the command list.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/vnykmshr/coreloop/pkg/config"
	"github.com/vnykmshr/coreloop/pkg/ratelimit/bucket"
	"github.com/vnykmshr/coreloop/pkg/report"
	"github.com/vnykmshr/coreloop/pkg/scheduling/mainloop"
	"github.com/vnykmshr/coreloop/pkg/scheduling/scheduler"
	"github.com/vnykmshr/coreloop/pkg/scheduling/workerpool"
	"github.com/vnykmshr/coreloop/pkg/streaming/writer"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML, YAML or JSON config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "coreloop:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, in io.Reader, out, errOut io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(errOut)
	slog.SetDefault(logger)

	runID := uuid.NewString()
	loopCfg := cfg.LoopConfig()
	loopCfg.RunID = runID
	loopCfg.Logger = logger

	reporters := []report.Reporter{report.NewLogger(logger)}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer func() { _ = client.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, reports will fall back to the log", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()

		stream, err := report.NewRedis(report.RedisConfig{
			Client:   client,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
			RunID:    runID,
			Fallback: logger,
		})
		if err != nil {
			return err
		}
		defer func() { _ = stream.Close() }()
		reporters = append(reporters, stream)
	}
	var reporter report.Reporter = report.Multi(reporters...)
	if cfg.Report.Rate > 0 {
		limiter, err := bucket.New(bucket.Limit(cfg.Report.Rate), cfg.Report.Burst)
		if err != nil {
			return err
		}
		reporter = report.NewThrottled(reporter, limiter, logger)
	}
	loopCfg.Reporter = reporter

	var httpServer *metricsServer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		loopCfg.Metrics.Registry = reg
		httpServer = newMetricsServer(cfg.Metrics.Addr, reg, logger)
	}

	timers := &timerSubsystem{}
	pool := &poolSubsystem{}
	input := &inputFocus{logger: logger}

	if httpServer != nil {
		loopCfg.Subsystems = append(loopCfg.Subsystems, httpServer)
	}
	loopCfg.Subsystems = append(loopCfg.Subsystems, timers, pool)
	loopCfg.Focus = input.current
	loopCfg.OnAbort = func(err error) {
		logger.Error("main loop aborted", "error", err)
	}

	// Loop items print through a buffer so a stalled terminal cannot stall the loop.
	console := writer.NewWithConfig(out, writer.Config{
		OnError: func(err error) { logger.Warn("console write failed", "error", err) },
	})
	defer func() { _ = console.Close() }()

	sh := &shell{out: console}
	lines := make(chan mainloop.Event, 64)
	loopCfg.Events = mainloop.NewChannelSource(lines, sh.handle).WithContext(ctx)

	loop, err := mainloop.New(loopCfg)
	if err != nil {
		return err
	}

	location, err := cfg.Timers.LoadLocation()
	if err != nil {
		return err
	}
	timers.sched, err = scheduler.NewWithConfig(scheduler.Config{
		Submitter:    loop,
		Location:     location,
		TickInterval: cfg.Timers.TickInterval,
		Metrics:      loop.Metrics(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	pool.pool, err = workerpool.NewWithConfig(workerpool.Config{
		WorkerCount: cfg.Offload.Workers,
		QueueSize:   cfg.Offload.QueueSize,
		TaskTimeout: cfg.Offload.TaskTimeout,
		Submitter:   loop,
		Metrics:     loop.Metrics(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	sh.loop, sh.timers, sh.pool = loop, timers.sched, pool.pool
	sh.status = func() string {
		return fmt.Sprintf("loop %s: %s, %d tasks, %d timers, %d offload queued, %d workers busy",
			loop.Name(), loop.State(), loop.Tasks().Len(), len(timers.sched.List()),
			pool.pool.QueueSize(), pool.pool.ActiveWorkers())
	}
	input.active.Store(true)

	go readLines(ctx, in, lines)

	fmt.Fprintf(console, "coreloop %s ready, type help\n", runID)
	err = loop.Run(ctx)
	input.active.Store(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readLines feeds standard input to the loop. End of input asks the loop to
// stop once the lines already read are handled.
func readLines(ctx context.Context, in io.Reader, lines chan<- mainloop.Event) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	select {
	case lines <- quitLine:
	case <-ctx.Done():
	}
}
