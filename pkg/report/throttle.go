package report

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/ratelimit/bucket"
)

// Throttled forwards work item failures to another Reporter at a bounded
// rate, so an item failing on every tick cannot flood the log or the stream.
// Loop control failures always pass.
type Throttled struct {
	next    Reporter
	limiter bucket.Limiter
	logger  *slog.Logger

	pending    atomic.Int64
	suppressed atomic.Int64
}

// NewThrottled wraps next with limiter. A nil logger uses slog.Default().
func NewThrottled(next Reporter, limiter bucket.Limiter, logger *slog.Logger) *Throttled {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttled{next: next, limiter: limiter, logger: logger}
}

// Report implements Reporter.
func (t *Throttled) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, clerrors.ErrWorkItem) && !t.limiter.Allow() {
		t.pending.Add(1)
		t.suppressed.Add(1)
		return
	}
	if n := t.pending.Swap(0); n > 0 {
		t.logger.WarnContext(ctx, "failure reports suppressed by rate limit", "count", n)
	}
	t.next.Report(ctx, err)
}

// Suppressed returns how many reports were dropped so far.
func (t *Throttled) Suppressed() int64 {
	return t.suppressed.Load()
}
