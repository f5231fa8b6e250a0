package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
	"github.com/vnykmshr/coreloop/pkg/metrics"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
)

// Task represents a unit of blocking work executed off the main loop.
type Task interface {
	// Execute runs the task with the given context.
	// It should respect context cancellation and return any error encountered.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Result represents the result of a task execution.
type Result struct {
	// Task is the original task that was executed
	Task Task

	// Error is any error that occurred during task execution
	Error error

	// Duration is how long the task took to execute
	Duration time.Duration

	// WorkerID identifies which worker executed the task
	WorkerID int
}

// Submitter accepts deferred calls for the main loop. *queue.Set and
// *mainloop.Loop both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, category queue.Category, fn queue.Func, args []any, kwargs map[string]any) error
}

// Pool runs blocking tasks on worker goroutines so the main loop never has to.
type Pool interface {
	// Submit adds a task to the pool for execution.
	// It waits for queue space; use SubmitWithContext to bound the wait.
	Submit(task Task) error

	// SubmitWithTimeout submits a task with a timeout for queuing.
	SubmitWithTimeout(task Task, timeout time.Duration) error

	// SubmitWithContext submits a task with a context for cancellation.
	// The context bounds the queuing and is passed to the task.
	SubmitWithContext(ctx context.Context, task Task) error

	// SubmitAndReply runs call on a worker and then queues reply on the
	// main loop under category, with the call's outcome.
	SubmitAndReply(ctx context.Context, call Call, category queue.Category, reply Reply) error

	// Shutdown stops accepting tasks, finishes the queued ones and returns
	// a channel that closes when every worker has exited.
	Shutdown() <-chan struct{}

	// ShutdownWithTimeout is Shutdown that cancels the context of
	// still-running tasks once timeout elapses.
	ShutdownWithTimeout(timeout time.Duration) <-chan struct{}

	// Size returns the number of workers in the pool.
	Size() int

	// QueueSize returns the current number of queued tasks waiting for execution.
	QueueSize() int

	// ActiveWorkers returns the number of workers currently executing tasks.
	ActiveWorkers() int

	// TotalSubmitted returns the total number of tasks submitted to the pool.
	TotalSubmitted() int64

	// TotalCompleted returns the total number of tasks completed by the pool.
	TotalCompleted() int64
}

// Config holds configuration options for creating a worker pool.
type Config struct {
	// Name identifies the pool in logs and metrics.
	// Default: "offload"
	Name string

	// WorkerCount is the number of workers in the pool.
	// Must be greater than 0.
	WorkerCount int

	// QueueSize is the maximum number of tasks waiting for a worker.
	// Zero hands tasks directly to an idle worker.
	QueueSize int

	// TaskTimeout is the default timeout for individual task execution.
	// Zero means no timeout.
	TaskTimeout time.Duration

	// Submitter receives replies of SubmitAndReply. Required for replies.
	Submitter Submitter

	// PanicHandler is called when a task panics. The panic is always
	// recovered and turned into the task's error.
	PanicHandler func(task Task, recovered any)

	// OnTaskComplete is called after a task completes (success or failure).
	OnTaskComplete func(workerID int, result Result)

	// Metrics records offload counters when set.
	Metrics *metrics.Registry

	// Logger reports failed tasks that nobody observes.
	// Default: slog.Default()
	Logger *slog.Logger
}

type taskWithContext struct {
	task Task
	ctx  context.Context
}

// workerPool implements the Pool interface.
type workerPool struct {
	config Config
	logger *slog.Logger

	taskQueue chan taskWithContext

	// ctx is canceled when a timed shutdown expires.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	isShutdown   bool
	closing      chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	activeWorkers  atomic.Int32
	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64

	workerWg sync.WaitGroup
}

// New creates a new worker pool with the specified number of workers and queue size.
func New(workerCount, queueSize int) (Pool, error) {
	return NewWithConfig(Config{
		WorkerCount: workerCount,
		QueueSize:   queueSize,
	})
}

// NewWithConfig creates a new worker pool with the specified configuration.
func NewWithConfig(config Config) (Pool, error) {
	if err := validation.ValidatePositive("workerpool", "worker_count", config.WorkerCount); err != nil {
		return nil, err
	}
	if config.QueueSize < 0 {
		return nil, clerrors.NewValidationError("workerpool", "queue_size", config.QueueSize, "cannot be negative")
	}
	if err := validation.ValidateNonNegativeDuration("workerpool", "task_timeout", config.TaskTimeout); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = "offload"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &workerPool{
		config:    config,
		logger:    logger.With("pool", config.Name),
		taskQueue: make(chan taskWithContext, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	for i := 0; i < config.WorkerCount; i++ {
		pool.workerWg.Add(1)
		go pool.work(i)
	}
	return pool, nil
}
