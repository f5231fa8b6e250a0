package mainloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/vnykmshr/coreloop/pkg/metrics"
	"github.com/vnykmshr/coreloop/pkg/report"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
)

// Subsystem is a collaborator initialized when the loop starts and
// terminated, in reverse order, when it stops.
type Subsystem interface {
	Name() string
	Initialize(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// FocusLoser is implemented by focusable elements that want to be told the
// loop is going away while they hold focus.
type FocusLoser interface {
	LoseFocus(ctx context.Context)
}

// Config holds configuration for a Loop.
type Config struct {
	// Name identifies the loop in logs and metrics.
	// Default: "main"
	Name string

	// RunID correlates the logs and failure reports of one run.
	// Default: a random UUID
	RunID string

	// Categories are the deferred execution lanes, in drain order.
	// Default: queue.DefaultCategories()
	Categories []queue.Category

	// Capacity bounds each category queue.
	// Default: queue.DefaultCapacity
	Capacity int

	// IdleSleep is how long the loop sleeps after a tick that found nothing to do.
	// Default: 1 millisecond
	IdleSleep time.Duration

	// Events is the native event source. Optional.
	Events EventSource

	// Subsystems are initialized in order by Start and terminated in reverse.
	Subsystems []Subsystem

	// Focus returns the element currently holding input focus, or nil.
	Focus func() any

	// OnAbort is called once when startup fails or the loop hits a fatal error.
	OnAbort func(err error)

	// OnFocusLoss is called during shutdown with the focused element, if any.
	OnFocusLoss func(element any)

	// Reporter receives work item and loop failures.
	// Default: report.NewLogger(Logger)
	Reporter report.Reporter

	// Metrics configures Prometheus collection. Disabled unless Enabled is set.
	Metrics metrics.Config

	// Logger is used for lifecycle messages.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the standard categories and timings.
func DefaultConfig() Config {
	return Config{
		Name:       "main",
		Categories: queue.DefaultCategories(),
		Capacity:   queue.DefaultCapacity,
		IdleSleep:  time.Millisecond,
	}
}
