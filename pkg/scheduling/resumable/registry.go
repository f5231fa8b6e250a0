package resumable

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"

	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
	"github.com/vnykmshr/coreloop/pkg/metrics"
	"github.com/vnykmshr/coreloop/pkg/report"
)

// Handle identifies a scheduled task. Handles increase monotonically and are
// never reused by a Registry.
type Handle uint64

// Tick describes one StepAll call.
type Tick struct {
	// Values holds the value produced by every task stepped in this call,
	// including the final value of tasks that completed.
	Values map[Handle]any

	// Completed lists tasks that finished normally, in handle order.
	Completed []Handle

	// Failed lists tasks removed because their step failed or panicked.
	Failed []Handle

	// Steps is the number of steps run, whatever their outcome.
	Steps int
}

type task struct {
	stepper  Stepper
	name     string
	value    any
	hasValue bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithReporter sets the destination of task failures.
func WithReporter(r report.Reporter) Option {
	return func(reg *Registry) {
		if r != nil {
			reg.reporter = r
		}
	}
}

// WithMetrics records task metrics under the given loop name.
func WithMetrics(registry *metrics.Registry, loopName string) Option {
	return func(reg *Registry) {
		reg.metrics = registry
		reg.name = loopName
	}
}

// WithLogger sets the logger used for task lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(reg *Registry) {
		if logger != nil {
			reg.logger = logger
		}
	}
}

// Registry holds the resumable tasks of one loop.
//
// StepAll must only be called from the loop goroutine. Schedule, Cancel and
// the lookups may be called from anywhere, including from inside a step.
type Registry struct {
	mu       sync.Mutex
	last     Handle
	tasks    map[Handle]*task
	finished map[Handle]any
	stepping Handle

	reporter report.Reporter
	metrics  *metrics.Registry
	name     string
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tasks:  make(map[Handle]*task),
		logger: slog.Default(),
		name:   "default",
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reporter == nil {
		r.reporter = report.NewLogger(r.logger)
	}
	return r
}

// Schedule registers s and returns its handle. The task is not stepped until
// the next StepAll.
func (r *Registry) Schedule(s Stepper) (Handle, error) {
	if s == nil {
		return 0, validation.ValidateNotNil("resumable", "stepper", nil)
	}

	r.mu.Lock()
	r.last++
	h := r.last
	r.tasks[h] = &task{stepper: s, name: stepperName(s)}
	active := len(r.tasks)
	r.mu.Unlock()

	r.setActive(active)
	return h, nil
}

// Cancel removes the task. Cancelling an unknown, completed or already
// cancelled handle does nothing. A step in progress is not interrupted; the
// task simply gets no further steps.
func (r *Registry) Cancel(h Handle) {
	r.mu.Lock()
	t, ok := r.tasks[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.tasks, h)
	selfCancel := r.stepping == h
	active := len(r.tasks)
	r.mu.Unlock()

	r.setActive(active)
	// A task cancelling itself is stopped by StepAll once its step returns.
	if !selfCancel {
		stop(t.stepper)
	}
	r.logger.Debug("task cancelled", "loop", r.name, "handle", uint64(h), "name", t.name)
}

// StepAll advances every task registered at the time of the call by exactly
// one step, in handle order. Tasks cancelled by an earlier step in the same
// call are skipped; tasks scheduled during the call are first stepped by the
// next call.
func (r *Registry) StepAll(ctx context.Context) Tick {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = clcontext.WithinLoop(ctx)

	r.mu.Lock()
	r.finished = nil
	handles := slices.Sorted(maps.Keys(r.tasks))
	r.mu.Unlock()

	tick := Tick{}
	for _, h := range handles {
		r.mu.Lock()
		t, ok := r.tasks[h]
		if ok {
			r.stepping = h
		}
		r.mu.Unlock()
		if !ok {
			continue
		}

		value, done, err := r.step(ctx, h, t)

		r.mu.Lock()
		r.stepping = 0
		_, stillRegistered := r.tasks[h]
		r.mu.Unlock()

		tick.Steps++
		if r.metrics != nil {
			r.metrics.TaskSteps.WithLabelValues(r.name).Inc()
		}

		switch {
		case err != nil:
			r.remove(h)
			stop(t.stepper)
			tick.Failed = append(tick.Failed, h)
			if r.metrics != nil {
				r.metrics.TasksFailed.WithLabelValues(r.name).Inc()
			}
			r.reporter.Report(ctx, err)

		case !stillRegistered:
			// Cancelled by its own step.
			stop(t.stepper)

		case done:
			final, produced := value, value != nil
			if !produced && t.hasValue {
				final, produced = t.value, true
			}
			r.mu.Lock()
			delete(r.tasks, h)
			// A task that never produced a value leaves nothing to read.
			if produced {
				if r.finished == nil {
					r.finished = make(map[Handle]any)
				}
				r.finished[h] = final
			}
			active := len(r.tasks)
			r.mu.Unlock()
			r.setActive(active)

			stop(t.stepper)
			tick.Completed = append(tick.Completed, h)
			if produced {
				tick.set(h, final)
			}
			if r.metrics != nil {
				r.metrics.TasksCompleted.WithLabelValues(r.name).Inc()
			}

		default:
			r.mu.Lock()
			t.value, t.hasValue = value, true
			r.mu.Unlock()
			tick.set(h, value)
		}
	}
	return tick
}

func (t *Tick) set(h Handle, v any) {
	if t.Values == nil {
		t.Values = make(map[Handle]any)
	}
	t.Values[h] = v
}

func (r *Registry) step(ctx context.Context, h Handle, t *task) (value any, done bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value, done = nil, false
			err = &clerrors.WorkItemError{
				Kind:   clerrors.KindTask,
				Name:   t.name,
				Handle: uint64(h),
				Cause:  fmt.Errorf("panic: %v", rec),
				Stack:  debug.Stack(),
			}
		}
	}()

	value, done, err = t.stepper.Step(ctx)
	if err != nil {
		err = &clerrors.WorkItemError{
			Kind:   clerrors.KindTask,
			Name:   t.name,
			Handle: uint64(h),
			Cause:  err,
		}
	}
	return value, done, err
}

func (r *Registry) remove(h Handle) {
	r.mu.Lock()
	delete(r.tasks, h)
	active := len(r.tasks)
	r.mu.Unlock()
	r.setActive(active)
}

func (r *Registry) setActive(n int) {
	if r.metrics != nil {
		r.metrics.TasksActive.WithLabelValues(r.name).Set(float64(n))
	}
}

// LastValue returns the most recent value produced by the task. ok is false
// if the task has not produced a value yet or is unknown. A task that
// completed during the latest StepAll still reports its final value.
func (r *Registry) LastValue(h Handle) (value any, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, found := r.tasks[h]; found {
		return t.value, t.hasValue
	}
	value, ok = r.finished[h]
	return value, ok
}

// Exists reports whether the task is still registered.
func (r *Registry) Exists(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[h]
	return ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Handles returns the registered handles in step order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.tasks))
}

// CancelAll removes every task and returns how many were registered.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	tasks := r.tasks
	stepping := r.stepping
	r.tasks = make(map[Handle]*task)
	r.finished = nil
	r.mu.Unlock()

	for h, t := range tasks {
		if h != stepping {
			stop(t.stepper)
		}
	}
	r.setActive(0)
	return len(tasks)
}

func stop(s Stepper) {
	if st, ok := s.(Stopper); ok {
		st.Stop()
	}
}
