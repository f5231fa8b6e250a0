package report

import (
	"context"
	"errors"
	"log/slog"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
)

// Reporter receives failures that the loop isolated instead of propagating.
// Implementations must not block the caller for long: Report runs on the
// main loop goroutine.
type Reporter interface {
	Report(ctx context.Context, err error)
}

// Func adapts a function to the Reporter interface.
type Func func(ctx context.Context, err error)

// Report implements Reporter.
func (f Func) Report(ctx context.Context, err error) {
	f(ctx, err)
}

type loggerReporter struct {
	logger *slog.Logger
}

// NewLogger returns a Reporter that writes each failure as one structured
// error record. A nil logger uses slog.Default().
func NewLogger(logger *slog.Logger) Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggerReporter{logger: logger}
}

func (r *loggerReporter) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	r.logger.LogAttrs(ctx, slog.LevelError, Message(err), Attrs(err)...)
}

type multiReporter []Reporter

// Multi fans a failure out to every non-nil reporter in order.
func Multi(reporters ...Reporter) Reporter {
	out := make(multiReporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multiReporter) Report(ctx context.Context, err error) {
	for _, r := range m {
		r.Report(ctx, err)
	}
}

// Message returns the log message used for err.
func Message(err error) string {
	switch {
	case errors.Is(err, clerrors.ErrLoopControl):
		return "main loop failure"
	case errors.Is(err, clerrors.ErrWorkItem):
		return "work item failed"
	default:
		return "main loop error"
	}
}

// Attrs extracts the diagnostic context carried by err.
func Attrs(err error) []slog.Attr {
	attrs := []slog.Attr{slog.String("error", err.Error())}

	var wie *clerrors.WorkItemError
	if errors.As(err, &wie) {
		attrs = append(attrs, slog.String("kind", wie.Kind), slog.String("name", wie.Name))
		switch wie.Kind {
		case clerrors.KindTask:
			attrs = append(attrs, slog.Uint64("handle", wie.Handle))
		case clerrors.KindDeferred:
			attrs = append(attrs, slog.String("category", wie.Category))
		}
		if len(wie.Stack) > 0 {
			attrs = append(attrs, slog.String("stack", string(wie.Stack)))
		}
		return attrs
	}

	var lce *clerrors.LoopControlError
	if errors.As(err, &lce) {
		attrs = append(attrs, slog.String("op", lce.Op))
	}
	return attrs
}
