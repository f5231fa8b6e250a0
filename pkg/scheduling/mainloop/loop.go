package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
	"github.com/vnykmshr/coreloop/pkg/metrics"
	"github.com/vnykmshr/coreloop/pkg/report"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
	"github.com/vnykmshr/coreloop/pkg/scheduling/resumable"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	Uninitialized State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Producer is the part of a Loop that collaborators on any goroutine use to
// hand work to it.
type Producer interface {
	Submit(ctx context.Context, category queue.Category, fn queue.Func, args []any, kwargs map[string]any) error
	Post(ctx context.Context, category queue.Category, fn func()) error
	Schedule(s resumable.Stepper) (resumable.Handle, error)
	Cancel(h resumable.Handle)
	RequestShutdown()
}

var _ Producer = (*Loop)(nil)

// Loop is the runtime context of one cooperative main loop: its deferred
// queues, its resumable tasks, its event source and its run flag.
type Loop struct {
	config   Config
	queues   *queue.Set
	tasks    *resumable.Registry
	metrics  *metrics.Registry
	reporter report.Reporter
	logger   *slog.Logger
	runID    string

	state         atomic.Int32
	running       atomic.Bool
	stopRequested atomic.Bool

	startMu     sync.Mutex
	initialized []Subsystem
}

// New validates config and creates a Loop in the Uninitialized state.
func New(config Config) (*Loop, error) {
	if config.Name == "" {
		config.Name = "main"
	}
	if len(config.Categories) == 0 {
		config.Categories = queue.DefaultCategories()
	}
	names := make([]string, len(config.Categories))
	for i, c := range config.Categories {
		names[i] = string(c)
	}
	if err := validation.ValidateUnique("mainloop", "categories", names); err != nil {
		return nil, err
	}
	if config.Capacity < 0 {
		return nil, clerrors.NewValidationError("mainloop", "capacity", config.Capacity, "cannot be negative")
	}
	if config.Capacity == 0 {
		config.Capacity = queue.DefaultCapacity
	}
	if err := validation.ValidateNonNegativeDuration("mainloop", "idle_sleep", config.IdleSleep); err != nil {
		return nil, err
	}
	if config.IdleSleep == 0 {
		config.IdleSleep = time.Millisecond
	}
	for i, s := range config.Subsystems {
		if s == nil {
			return nil, clerrors.NewValidationError("mainloop", "subsystems", i, "nil subsystem")
		}
	}

	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}

	l := &Loop{
		config:  config,
		runID:   config.RunID,
		metrics: metrics.FromConfig(config.Metrics),
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger.With("loop", config.Name, "run_id", l.runID)

	l.reporter = config.Reporter
	if l.reporter == nil {
		l.reporter = report.NewLogger(l.logger)
	}

	l.queues = queue.NewSet(
		queue.WithReporter(l.reporter),
		queue.WithMetrics(l.metrics, config.Name),
		queue.WithLogger(l.logger),
	)
	l.tasks = resumable.NewRegistry(
		resumable.WithReporter(l.reporter),
		resumable.WithMetrics(l.metrics, config.Name),
		resumable.WithLogger(l.logger),
	)
	return l, nil
}

// Start allocates the queues and initializes the subsystems in order. If any
// step fails, the abort hook runs, subsystems already initialized are
// terminated in reverse order and the loop ends Stopped without having ticked.
func (l *Loop) Start(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	if st := l.State(); st != Uninitialized {
		return fmt.Errorf("mainloop: cannot start %s loop: %w", st, clerrors.ErrConfiguration)
	}

	if err := l.queues.Initialize(l.config.Categories, l.config.Capacity); err != nil {
		err = clerrors.NewLoopControlError("start", fmt.Errorf("initialize queues: %w", err))
		l.abort(ctx, err)
		return err
	}

	for _, s := range l.config.Subsystems {
		var err error
		if perr := l.safely("initialize "+s.Name(), func() { err = s.Initialize(ctx) }); perr != nil {
			err = perr
		}
		if err != nil {
			err = clerrors.NewLoopControlError("start", fmt.Errorf("initialize %s: %w", s.Name(), err))
			l.abort(ctx, err)
			return err
		}
		l.initialized = append(l.initialized, s)
		l.logger.Debug("subsystem initialized", "subsystem", s.Name())
	}

	l.running.Store(true)
	l.state.Store(int32(Running))
	// A shutdown requested before or during start still wins.
	if l.stopRequested.Load() {
		l.running.Store(false)
		l.state.Store(int32(ShuttingDown))
	}
	l.logger.Info("main loop started",
		"categories", len(l.config.Categories),
		"capacity", l.config.Capacity,
		"subsystems", len(l.initialized))
	return nil
}

// Run starts the loop if needed and ticks until RequestShutdown is called or
// ctx ends, then shuts down in order. It returns nil after an orderly
// shutdown, the termination errors of subsystems if any, or the fatal error
// that stopped the loop.
func (l *Loop) Run(ctx context.Context) error {
	if l.State() == Uninitialized {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}
	if st := l.State(); st != Running && st != ShuttingDown {
		return fmt.Errorf("mainloop: cannot run %s loop: %w", st, clerrors.ErrClosed)
	}

	for l.running.Load() && ctx.Err() == nil {
		busy, err := l.Tick(ctx)
		if err != nil {
			if clerrors.IsFatal(err) {
				l.abort(ctx, err)
				return err
			}
			l.reporter.Report(ctx, err)
		}
		if !busy {
			if l.metrics != nil {
				l.metrics.IdleSleeps.WithLabelValues(l.config.Name).Inc()
			}
			_ = clcontext.Sleep(ctx, l.config.IdleSleep)
		}
	}

	return l.shutdown(context.WithoutCancel(ctx))
}

// Tick runs one iteration: drain one deferred item per category, step every
// resumable task once, then dispatch at most one pending native event. busy
// is false when none of those found anything to do.
//
// A *errors.LoopControlError is fatal; Run aborts on it. Any other error is a
// failed event handler that Run reports before carrying on.
func (l *Loop) Tick(ctx context.Context) (busy bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = clerrors.NewLoopControlError("tick", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	if st := l.State(); st != Running && st != ShuttingDown {
		return false, clerrors.NewLoopControlError("tick", fmt.Errorf("loop is %s: %w", st, clerrors.ErrClosed))
	}
	ctx = clcontext.WithinLoop(ctx)
	if l.metrics != nil {
		l.metrics.Ticks.WithLabelValues(l.config.Name).Inc()
	}

	results, err := l.queues.DrainOneEach(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range results {
		if r.Executed {
			busy = true
		}
	}

	if tick := l.tasks.StepAll(ctx); tick.Steps > 0 {
		busy = true
	}

	dispatched, err := l.pumpEvent()
	return busy || dispatched, err
}

func (l *Loop) pumpEvent() (bool, error) {
	src := l.config.Events
	if src == nil {
		return false, nil
	}

	ev, ok, err := src.PeekEvent()
	if err != nil {
		return false, clerrors.NewLoopControlError("peek event", err)
	}
	if !ok {
		return false, nil
	}
	if err := src.TranslateEvent(ev); err != nil {
		return true, clerrors.NewLoopControlError("translate event", err)
	}
	if l.metrics != nil {
		l.metrics.EventsDispatched.WithLabelValues(l.config.Name).Inc()
	}
	if err := src.DispatchEvent(ev); err != nil {
		if errors.Is(err, clerrors.ErrWorkItem) {
			return true, err
		}
		return true, clerrors.NewLoopControlError("dispatch event", err)
	}
	return true, nil
}

// RequestShutdown clears the run flag. The loop finishes its current tick and
// then shuts down. A request made before the loop runs, including one from a
// subsystem's Initialize, makes Run shut down without ticking. Safe to call
// from any goroutine, any number of times.
func (l *Loop) RequestShutdown() {
	l.stopRequested.Store(true)
	if l.running.CompareAndSwap(true, false) {
		l.state.CompareAndSwap(int32(Running), int32(ShuttingDown))
		l.logger.Info("main loop shutdown requested")
	}
}

func (l *Loop) shutdown(ctx context.Context) error {
	l.running.Store(false)
	l.state.Store(int32(ShuttingDown))

	var errs []error
	if err := l.loseFocus(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, l.terminate(ctx)...)

	discarded := l.queues.Teardown()
	cancelled := l.tasks.CancelAll()
	l.state.Store(int32(Stopped))

	err := errors.Join(errs...)
	if err != nil {
		l.logger.Error("main loop stopped with errors", "error", err, "discarded", discarded, "cancelled_tasks", cancelled)
		return err
	}
	l.logger.Info("main loop stopped", "discarded", discarded, "cancelled_tasks", cancelled)
	return nil
}

func (l *Loop) loseFocus(ctx context.Context) error {
	if l.config.Focus == nil {
		return nil
	}
	return l.safely("focus loss", func() {
		element := l.config.Focus()
		if element == nil {
			return
		}
		if fl, ok := element.(FocusLoser); ok {
			fl.LoseFocus(ctx)
		}
		if l.config.OnFocusLoss != nil {
			l.config.OnFocusLoss(element)
		}
	})
}

// terminate stops the initialized subsystems in reverse order. Every
// subsystem gets its Terminate call even when an earlier one fails.
func (l *Loop) terminate(ctx context.Context) []error {
	var errs []error
	for i := len(l.initialized) - 1; i >= 0; i-- {
		s := l.initialized[i]
		var err error
		if perr := l.safely("terminate "+s.Name(), func() { err = s.Terminate(ctx) }); perr != nil {
			err = perr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", s.Name(), err))
			continue
		}
		l.logger.Debug("subsystem terminated", "subsystem", s.Name())
	}
	l.initialized = nil
	return errs
}

func (l *Loop) abort(ctx context.Context, cause error) {
	l.running.Store(false)
	l.reporter.Report(ctx, cause)

	if l.config.OnAbort != nil {
		if err := l.safely("abort hook", func() { l.config.OnAbort(cause) }); err != nil {
			l.logger.Error("abort hook failed", "error", err)
		}
	}

	ctx = context.WithoutCancel(ctx)
	for _, err := range l.terminate(ctx) {
		l.logger.Error("subsystem termination failed during abort", "error", err)
	}
	l.queues.Teardown()
	l.tasks.CancelAll()
	l.state.Store(int32(Stopped))
	l.logger.Error("main loop aborted", "error", cause)
}

// safely runs fn, turning a panic into an error.
func (l *Loop) safely(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	fn()
	return nil
}

// Submit queues fn on category. See queue.Set.Submit.
func (l *Loop) Submit(ctx context.Context, category queue.Category, fn queue.Func, args []any, kwargs map[string]any) error {
	return l.queues.Submit(ctx, category, fn, args, kwargs)
}

// TrySubmit queues fn without waiting for space.
func (l *Loop) TrySubmit(category queue.Category, fn queue.Func, args []any, kwargs map[string]any) error {
	return l.queues.TrySubmit(category, fn, args, kwargs)
}

// Post queues a closure on category.
func (l *Loop) Post(ctx context.Context, category queue.Category, fn func()) error {
	return l.queues.Post(ctx, category, fn)
}

// Schedule registers a resumable task. It is first stepped on the next tick.
func (l *Loop) Schedule(s resumable.Stepper) (resumable.Handle, error) {
	return l.tasks.Schedule(s)
}

// Cancel removes a resumable task. Unknown handles are ignored.
func (l *Loop) Cancel(h resumable.Handle) {
	l.tasks.Cancel(h)
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// RunID returns the unique identifier of this loop instance.
func (l *Loop) RunID() string { return l.runID }

// Name returns the configured loop name.
func (l *Loop) Name() string { return l.config.Name }

// Queues exposes the deferred queue set.
func (l *Loop) Queues() *queue.Set { return l.queues }

// Tasks exposes the resumable task registry.
func (l *Loop) Tasks() *resumable.Registry { return l.tasks }

// Metrics returns the loop's metric instances, or nil when metrics are
// disabled. Producers feeding the loop record into the same registry.
func (l *Loop) Metrics() *metrics.Registry { return l.metrics }
