package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
	"github.com/vnykmshr/coreloop/pkg/metrics"
	"github.com/vnykmshr/coreloop/pkg/report"
)

// Category identifies one execution lane.
type Category string

// Default execution categories, in drain order.
const (
	Keyboard      Category = "keyboard"
	Mouse         Category = "mouse"
	UserInterface Category = "userinterface"
	Speech        Category = "speech"
	Config        Category = "config"
)

// DefaultCapacity is the bound of each queue when none is configured.
const DefaultCapacity = 1000

// DefaultCategories returns the standard lanes in drain order.
func DefaultCategories() []Category {
	return []Category{Keyboard, Mouse, UserInterface, Speech, Config}
}

// Func is a deferred function. It receives the loop context and the
// arguments captured at submit time.
type Func func(ctx context.Context, args []any, kwargs map[string]any) error

// Item is a deferred call waiting in a queue. Items are immutable once queued.
type Item struct {
	Category  Category
	Name      string
	Fn        Func
	Args      []any
	Kwargs    map[string]any
	Submitted time.Time
}

// Result describes what DrainOneEach did for one category.
type Result struct {
	Category Category
	Executed bool
	Name     string
	Duration time.Duration
	Err      error // *errors.WorkItemError when the item failed
}

// Option configures a Set.
type Option func(*Set)

// WithReporter sets the destination of work item failures.
func WithReporter(r report.Reporter) Option {
	return func(s *Set) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithMetrics records queue metrics under the given loop name.
func WithMetrics(registry *metrics.Registry, loopName string) Option {
	return func(s *Set) {
		s.metrics = registry
		s.name = loopName
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Set is a fixed set of bounded FIFO queues, one per category.
type Set struct {
	mu       sync.RWMutex
	order    []Category
	queues   map[Category]chan Item
	capacity int
	closed   chan struct{}

	reporter report.Reporter
	metrics  *metrics.Registry
	name     string
	logger   *slog.Logger
}

// NewSet creates an uninitialized Set.
func NewSet(opts ...Option) *Set {
	s := &Set{
		logger: slog.Default(),
		name:   "default",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reporter == nil {
		s.reporter = report.NewLogger(s.logger)
	}
	return s
}

// Initialize allocates one queue of the given capacity per category.
// Categories are drained in the order given. Calling Initialize again before
// Teardown is a configuration error.
func (s *Set) Initialize(categories []Category, capacity int) error {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}
	if err := validation.ValidateUnique("queue", "category", names); err != nil {
		return err
	}
	if err := validation.ValidatePositive("queue", "capacity", capacity); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queues != nil {
		return fmt.Errorf("queue: set already initialized with %d categories, call Teardown first: %w",
			len(s.order), clerrors.ErrConfiguration)
	}

	s.order = append([]Category(nil), categories...)
	s.queues = make(map[Category]chan Item, len(categories))
	for _, c := range categories {
		s.queues[c] = make(chan Item, capacity)
	}
	s.capacity = capacity
	s.closed = make(chan struct{})
	return nil
}

// Teardown releases the queues. Producers waiting for space return
// errors.ErrClosed. Items still queued are discarded and counted in the
// return value. The Set may be initialized again afterwards.
func (s *Set) Teardown() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queues == nil {
		return 0
	}
	close(s.closed)

	discarded := 0
	for _, c := range s.order {
		discarded += len(s.queues[c])
		s.setDepth(c, 0)
	}
	if discarded > 0 {
		s.logger.Warn("deferred items discarded at teardown", "loop", s.name, "count", discarded)
	}

	s.queues = nil
	s.order = nil
	s.capacity = 0
	return discarded
}

// Submit appends a call of fn to the category's queue. If the queue is full it
// waits for the loop to free a slot; see the package documentation for the
// conditions that end the wait early.
func (s *Set) Submit(ctx context.Context, category Category, fn Func, args []any, kwargs map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.submit(ctx, newItem(category, FuncName(fn), fn, args, kwargs), true)
}

// SubmitWithTimeout is Submit with a bound on the wait for queue space.
// It returns errors.ErrTimeout if no slot frees in time.
func (s *Set) SubmitWithTimeout(category Category, fn Func, args []any, kwargs map[string]any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.submit(ctx, newItem(category, FuncName(fn), fn, args, kwargs), true)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("queue: submit to %s: %w", category, clerrors.ErrTimeout)
	}
	return err
}

// TrySubmit appends a call of fn without waiting. A full queue yields
// errors.ErrCapacityExceeded.
func (s *Set) TrySubmit(category Category, fn Func, args []any, kwargs map[string]any) error {
	return s.submit(context.Background(), newItem(category, FuncName(fn), fn, args, kwargs), false)
}

// Post submits a closure without arguments.
func (s *Set) Post(ctx context.Context, category Category, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var wrapped Func
	if fn != nil {
		wrapped = func(context.Context, []any, map[string]any) error {
			fn()
			return nil
		}
	}
	return s.submit(ctx, newItem(category, FuncName(fn), wrapped, nil, nil), true)
}

func (s *Set) submit(ctx context.Context, item Item, wait bool) error {
	if item.Fn == nil {
		return validation.ValidateNotNil("queue", "function", nil)
	}

	q, closed, sent, err := s.trySend(item)
	if err != nil || sent {
		return err
	}

	if !wait || clcontext.InLoop(ctx) {
		return fmt.Errorf("queue: %s is full (%d items): %w", item.Category, cap(q), clerrors.ErrCapacityExceeded)
	}

	if s.metrics != nil {
		s.metrics.SubmitWaits.WithLabelValues(s.name, string(item.Category)).Inc()
	}

	select {
	case q <- item:
		// Teardown may have finished while we waited; the item then sits in
		// a released queue and will never run.
		if !s.current(item.Category, q) {
			return fmt.Errorf("queue: submit to %s: %w", item.Category, clerrors.ErrClosed)
		}
		s.setDepth(item.Category, len(q))
		return nil
	case <-closed:
		return fmt.Errorf("queue: submit to %s: %w", item.Category, clerrors.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("queue: submit to %s: context canceled: %w", item.Category, ctx.Err())
	}
}

// trySend looks up the category queue and attempts a non-blocking send, all
// under the read lock so Teardown cannot release the queue in between.
func (s *Set) trySend(item Item) (q chan Item, closed chan struct{}, sent bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.queues == nil {
		return nil, nil, false, fmt.Errorf("queue: set is not initialized: %w", clerrors.ErrClosed)
	}
	q, ok := s.queues[item.Category]
	if !ok {
		return nil, nil, false, fmt.Errorf("queue: %q: %w", item.Category, clerrors.ErrUnknownCategory)
	}

	select {
	case q <- item:
		s.setDepth(item.Category, len(q))
		return q, s.closed, true, nil
	default:
		return q, s.closed, false, nil
	}
}

// current reports whether q is still the live queue of category.
func (s *Set) current(category Category, q chan Item) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues != nil && s.queues[category] == q
}

// DrainOneEach executes at most one item from every category, in category
// order, and returns one Result per category. Item failures are reported and
// recorded in the Result; they never interrupt the drain. The only error
// returned is a *errors.LoopControlError when the Set is not initialized.
func (s *Set) DrainOneEach(ctx context.Context) ([]Result, error) {
	s.mu.RLock()
	order, queues := s.order, s.queues
	s.mu.RUnlock()

	if queues == nil {
		return nil, clerrors.NewLoopControlError("drain", fmt.Errorf("queue set is not initialized: %w", clerrors.ErrClosed))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = clcontext.WithinLoop(ctx)

	results := make([]Result, len(order))
	for i, c := range order {
		q := queues[c]
		results[i].Category = c
		select {
		case item := <-q:
			results[i] = s.execute(ctx, item)
			s.setDepth(c, len(q))
		default:
		}
	}
	return results, nil
}

func (s *Set) execute(ctx context.Context, item Item) (res Result) {
	res = Result{Category: item.Category, Executed: true, Name: item.Name}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.Err = &clerrors.WorkItemError{
				Kind:     clerrors.KindDeferred,
				Name:     item.Name,
				Category: string(item.Category),
				Cause:    fmt.Errorf("panic: %v", r),
				Stack:    debug.Stack(),
			}
		}
		res.Duration = time.Since(start)
		s.observe(item, res, start)
		if res.Err != nil {
			s.reporter.Report(ctx, res.Err)
		}
	}()

	if err := item.Fn(ctx, item.Args, item.Kwargs); err != nil {
		res.Err = &clerrors.WorkItemError{
			Kind:     clerrors.KindDeferred,
			Name:     item.Name,
			Category: string(item.Category),
			Cause:    err,
		}
	}
	return res
}

func (s *Set) observe(item Item, res Result, start time.Time) {
	if s.metrics == nil {
		return
	}
	c := string(item.Category)
	s.metrics.ItemsExecuted.WithLabelValues(s.name, c).Inc()
	s.metrics.ItemDuration.WithLabelValues(s.name, c).Observe(res.Duration.Seconds())
	s.metrics.ItemWait.WithLabelValues(s.name, c).Observe(start.Sub(item.Submitted).Seconds())
	if res.Err != nil {
		s.metrics.ItemsFailed.WithLabelValues(s.name, c).Inc()
	}
}

func (s *Set) setDepth(category Category, depth int) {
	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues(s.name, string(category)).Set(float64(depth))
	}
}

// Len returns the number of items queued in category, or 0 if the category is unknown.
func (s *Set) Len(category Category) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[category])
}

// Empty returns true if no registered category has queued items.
func (s *Set) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// Categories returns the registered categories in drain order.
func (s *Set) Categories() []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Category(nil), s.order...)
}

// Capacity returns the per-category bound, or 0 before Initialize.
func (s *Set) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity
}

// Initialized reports whether the Set currently holds queues.
func (s *Set) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues != nil
}

func newItem(category Category, name string, fn Func, args []any, kwargs map[string]any) Item {
	item := Item{
		Category:  category,
		Name:      name,
		Fn:        fn,
		Submitted: time.Now(),
	}
	if len(args) > 0 {
		item.Args = append([]any(nil), args...)
	}
	if len(kwargs) > 0 {
		item.Kwargs = make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			item.Kwargs[k] = v
		}
	}
	return item
}

// FuncName returns the runtime name of a function value, used to identify
// deferred items in failure reports.
func FuncName(fn any) string {
	if fn == nil {
		return "<nil>"
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Sprintf("%T", fn)
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
