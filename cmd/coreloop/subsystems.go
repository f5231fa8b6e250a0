package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnykmshr/coreloop/pkg/scheduling/scheduler"
	"github.com/vnykmshr/coreloop/pkg/scheduling/workerpool"
)

const terminateTimeout = 5 * time.Second

// metricsServer exposes /metrics for the lifetime of the loop.
type metricsServer struct {
	addr   string
	server *http.Server
	logger *slog.Logger
	served chan struct{}
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &metricsServer{
		addr:   addr,
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

func (m *metricsServer) Name() string { return "metrics" }

func (m *metricsServer) Initialize(context.Context) error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.addr, err)
	}
	m.served = make(chan struct{})
	go func() {
		defer close(m.served)
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()
	m.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (m *metricsServer) Terminate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, terminateTimeout)
	defer cancel()
	err := m.server.Shutdown(ctx)
	<-m.served
	return err
}

// timerSubsystem runs the timer scheduler while the loop runs.
type timerSubsystem struct {
	sched scheduler.Scheduler
}

func (t *timerSubsystem) Name() string { return "timers" }

func (t *timerSubsystem) Initialize(ctx context.Context) error {
	return t.sched.Start(ctx)
}

func (t *timerSubsystem) Terminate(ctx context.Context) error {
	t.sched.CancelAll()
	ctx, cancel := context.WithTimeout(ctx, terminateTimeout)
	defer cancel()
	select {
	case <-t.sched.Stop():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timers did not stop: %w", ctx.Err())
	}
}

// poolSubsystem owns the offload workers.
type poolSubsystem struct {
	pool workerpool.Pool
}

func (p *poolSubsystem) Name() string { return "offload" }

func (p *poolSubsystem) Initialize(context.Context) error { return nil }

func (p *poolSubsystem) Terminate(context.Context) error {
	<-p.pool.ShutdownWithTimeout(terminateTimeout)
	return nil
}

// inputFocus stands for the terminal holding input focus while lines are read.
type inputFocus struct {
	active atomic.Bool
	logger *slog.Logger
}

func (f *inputFocus) current() any {
	if !f.active.Load() {
		return nil
	}
	return f
}

func (f *inputFocus) LoseFocus(context.Context) {
	f.active.Store(false)
	f.logger.Debug("input focus released")
}
