package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
	"github.com/vnykmshr/coreloop/pkg/metrics"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
)

// Submitter accepts deferred calls for the main loop. *queue.Set and
// *mainloop.Loop both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, category queue.Category, fn queue.Func, args []any, kwargs map[string]any) error
}

// Entry describes a scheduled timer.
type Entry struct {
	ID       string
	Category queue.Category
	RunAt    time.Time
	Interval time.Duration // Zero for one-shot and cron entries
	Cron     string        // Empty unless scheduled with ScheduleCron
	Runs     int           // Times the entry has been submitted
	Created  time.Time
}

// Scheduler submits functions onto the main loop at given times. It never
// runs them itself: when an entry is due its function is queued on the
// entry's category and executes on the next loop tick that drains it.
type Scheduler interface {
	// Basic scheduling
	Schedule(id string, category queue.Category, fn queue.Func, runAt time.Time) error
	ScheduleAfter(id string, category queue.Category, fn queue.Func, delay time.Duration) error
	ScheduleRepeating(id string, category queue.Category, fn queue.Func, interval time.Duration) error

	// Cron scheduling
	ScheduleCron(id string, cronExpr string, category queue.Category, fn queue.Func) error
	ValidateCronExpression(cronExpr string) error
	Next(id string) (time.Time, bool)

	// Entry management
	Cancel(id string) bool
	CancelAll()
	List() []Entry

	// Lifecycle
	Start(ctx context.Context) error
	Stop() <-chan struct{}
}

// Config holds scheduler configuration.
type Config struct {
	// Submitter receives due entries. Required.
	Submitter Submitter

	// Name identifies the scheduler in logs and metrics.
	// Default: "timers"
	Name string

	// Location is used to evaluate cron expressions.
	// Default: time.Local
	Location *time.Location

	// TickInterval is how often due entries are checked.
	// Default: 10 milliseconds
	TickInterval time.Duration

	// MaxEntries caps the number of scheduled entries.
	// Default: 10000
	MaxEntries int

	// Metrics records fired timers when set.
	Metrics *metrics.Registry

	// Logger reports entries that could not be submitted.
	// Default: slog.Default()
	Logger *slog.Logger
}

type entry struct {
	id           string
	category     queue.Category
	fn           queue.Func
	runAt        time.Time
	interval     time.Duration
	cronExpr     string
	cronSchedule cron.Schedule
	runs         int
	created      time.Time
}

type scheduler struct {
	submitter    Submitter
	name         string
	location     *time.Location
	tickInterval time.Duration
	maxEntries   int
	cronParser   cron.Parser
	metrics      *metrics.Registry
	logger       *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// New creates a scheduler feeding submitter with default configuration.
func New(submitter Submitter) (Scheduler, error) {
	return NewWithConfig(Config{Submitter: submitter})
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(cfg Config) (Scheduler, error) {
	if cfg.Submitter == nil {
		return nil, validation.ValidateNotNil("scheduler", "submitter", nil)
	}

	name := cfg.Name
	if name == "" {
		name = "timers"
	}

	location := cfg.Location
	if location == nil {
		location = time.Local
	}

	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 10 * time.Millisecond
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &scheduler{
		submitter:    cfg.Submitter,
		name:         name,
		location:     location,
		tickInterval: tickInterval,
		maxEntries:   maxEntries,
		cronParser:   cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics:      cfg.Metrics,
		logger:       logger.With("scheduler", name),
		entries:      make(map[string]*entry),
	}, nil
}

func validateEntry(id string, fn queue.Func) error {
	if err := validation.ValidateNotEmpty("scheduler", "id", id); err != nil {
		return err
	}
	if len(id) > 255 {
		return clerrors.NewValidationError("scheduler", "id", id, "too long").
			WithHint("use at most 255 characters")
	}
	if fn == nil {
		return validation.ValidateNotNil("scheduler", "function", nil)
	}
	return nil
}

// add registers e. Callers hold no lock.
func (s *scheduler) add(e *entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.id]; exists {
		return clerrors.NewValidationError("scheduler", "id", e.id, "already exists").
			WithHint("use a different ID or cancel the existing entry first")
	}
	if len(s.entries) >= s.maxEntries {
		return fmt.Errorf("scheduler: cannot schedule %q, %d entries already scheduled: %w",
			e.id, s.maxEntries, clerrors.ErrCapacityExceeded)
	}

	e.created = time.Now()
	s.entries[e.id] = e
	return nil
}

func (s *scheduler) Schedule(id string, category queue.Category, fn queue.Func, runAt time.Time) error {
	if err := validateEntry(id, fn); err != nil {
		return err
	}
	if runAt.IsZero() {
		return clerrors.NewValidationError("scheduler", "run_at", runAt, "cannot be zero")
	}
	return s.add(&entry{id: id, category: category, fn: fn, runAt: runAt})
}

func (s *scheduler) ScheduleAfter(id string, category queue.Category, fn queue.Func, delay time.Duration) error {
	if err := validation.ValidateNonNegativeDuration("scheduler", "delay", delay); err != nil {
		return err
	}
	return s.Schedule(id, category, fn, time.Now().Add(delay))
}

// ScheduleRepeating submits fn every interval, starting one interval from now.
func (s *scheduler) ScheduleRepeating(id string, category queue.Category, fn queue.Func, interval time.Duration) error {
	if err := validateEntry(id, fn); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("scheduler", "interval", interval); err != nil {
		return err
	}
	return s.add(&entry{id: id, category: category, fn: fn, runAt: time.Now().Add(interval), interval: interval})
}

// ScheduleCron submits fn at the times described by cronExpr. Expressions
// have a leading seconds field ("*/5 * * * * *") or are descriptors such as
// "@every 1m" and "@hourly".
func (s *scheduler) ScheduleCron(id string, cronExpr string, category queue.Category, fn queue.Func) error {
	if err := validateEntry(id, fn); err != nil {
		return err
	}
	schedule, err := s.parse(cronExpr)
	if err != nil {
		return err
	}
	return s.add(&entry{
		id:           id,
		category:     category,
		fn:           fn,
		runAt:        schedule.Next(time.Now().In(s.location)),
		cronExpr:     cronExpr,
		cronSchedule: schedule,
	})
}

func (s *scheduler) ValidateCronExpression(cronExpr string) error {
	_, err := s.parse(cronExpr)
	return err
}

func (s *scheduler) parse(cronExpr string) (cron.Schedule, error) {
	if err := validation.ValidateNotEmpty("scheduler", "cron", cronExpr); err != nil {
		return nil, err
	}
	schedule, err := s.cronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %v: %w", cronExpr, err, clerrors.ErrConfiguration)
	}
	return schedule, nil
}

// Next returns the next time the entry is due.
func (s *scheduler) Next(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.runAt, true
}

func (s *scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		delete(s.entries, id)
		return true
	}
	return false
}

func (s *scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry)
}

func (s *scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e.snapshot())
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RunAt.Equal(entries[j].RunAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].RunAt.Before(entries[j].RunAt)
	})
	return entries
}

func (e *entry) snapshot() Entry {
	return Entry{
		ID:       e.id,
		Category: e.category,
		RunAt:    e.runAt,
		Interval: e.interval,
		Cron:     e.cronExpr,
		Runs:     e.runs,
		Created:  e.created,
	}
}

// Start launches the timer goroutine. It runs until Stop is called or ctx ends.
func (s *scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler: already running, call Stop first: %w", clerrors.ErrConfiguration)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	s.running = true

	go s.run(ctx, s.stopped)
	return nil
}

// Stop halts the timer goroutine. The returned channel is closed once it has
// exited; a submission waiting for queue space is abandoned.
func (s *scheduler) Stop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		done := make(chan struct{})
		close(done)
		return done
	}
	s.running = false
	s.cancel()
	return s.stopped
}

func (s *scheduler) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			// A later Start may already own the flag.
			if s.stopped == stopped {
				s.running = false
			}
			s.mu.Unlock()
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

// fireDue submits every due entry, earliest first, and reschedules or removes it.
func (s *scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if len(s.entries) == 0 {
		s.mu.Unlock()
		return
	}

	var due []Entry
	fns := make(map[string]queue.Func)
	for id, e := range s.entries {
		if e.runAt.After(now) {
			continue
		}
		e.runs++
		due = append(due, e.snapshot())
		fns[id] = e.fn

		switch {
		case e.interval > 0:
			e.runAt = now.Add(e.interval)
		case e.cronSchedule != nil:
			e.runAt = e.cronSchedule.Next(now.In(s.location))
		default:
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})

	for _, e := range due {
		args := []any{e}
		if err := s.submitter.Submit(ctx, e.Category, fns[e.ID], args, nil); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("timer submission failed", "id", e.ID, "category", string(e.Category), "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.TimersFired.WithLabelValues(s.name).Inc()
		}
	}
}
