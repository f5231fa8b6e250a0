package context

import (
	"context"
	"time"
)

type loopKey struct{}

// WithinLoop marks ctx as belonging to the main loop goroutine. Work invoked by
// the loop receives a context derived from it, so producers can tell whether
// they are running on the loop itself.
func WithinLoop(parent context.Context) context.Context {
	return context.WithValue(parent, loopKey{}, true)
}

// InLoop returns true if ctx was derived from WithinLoop.
func InLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(loopKey{}).(bool)
	return v
}

// Sleep pauses for d or until ctx is done, whichever comes first.
// It returns ctx.Err() if the context ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
