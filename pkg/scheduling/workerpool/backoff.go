package workerpool

import (
	"context"
	"fmt"
	"time"

	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
)

// BackoffConfig configures exponential backoff for a retried task.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int // zero runs the task once

	// OnRetry is called before each wait with the attempt that failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultBackoffConfig returns a backoff starting at 100ms, doubling up to 10s,
// with 3 retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		MaxRetries:   3,
	}
}

// WithBackoff wraps task so a failing execution is retried on the same worker
// with growing delays. The wait is abandoned when ctx ends.
func WithBackoff(task Task, config BackoffConfig) Task {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return TaskFunc(func(ctx context.Context) error {
		delay := config.InitialDelay
		for attempt := 0; ; attempt++ {
			err := task.Execute(ctx)
			if err == nil {
				return nil
			}
			if attempt >= config.MaxRetries {
				return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
			}
			if config.OnRetry != nil {
				config.OnRetry(attempt+1, err, delay)
			}
			if serr := clcontext.Sleep(ctx, delay); serr != nil {
				return fmt.Errorf("retry abandoned: %w", err)
			}
			delay = time.Duration(float64(delay) * config.Multiplier)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
	})
}
