package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
)

// Call is blocking work run on a pool worker.
type Call func(ctx context.Context) (any, error)

// Reply receives the outcome of a Call on the main loop. ctx is the loop
// context of the draining tick.
type Reply func(ctx context.Context, value any, err error) error

// SubmitAndReply runs call on a worker, then queues reply under category on
// the configured Submitter. A panicking call is delivered to reply as an
// error. reply is not queued if the pool is torn down before the call ends.
func (p *workerPool) SubmitAndReply(ctx context.Context, call Call, category queue.Category, reply Reply) error {
	if p.config.Submitter == nil {
		return clerrors.NewValidationError("workerpool", "submitter", nil, "required for replies").
			WithHint("set Config.Submitter to the loop or its queue set")
	}
	if err := validation.ValidateNotNil("workerpool", "call", callOrNil(call)); err != nil {
		return err
	}
	if err := validation.ValidateNotNil("workerpool", "reply", replyOrNil(reply)); err != nil {
		return err
	}

	return p.SubmitWithContext(ctx, TaskFunc(func(ctx context.Context) error {
		value, callErr := invoke(ctx, call)

		deliver := func(lctx context.Context, _ []any, _ map[string]any) error {
			return reply(lctx, value, callErr)
		}
		// The reply must reach the loop even if the caller's context ended.
		if err := p.config.Submitter.Submit(p.ctx, category, deliver, nil, nil); err != nil {
			return errors.Join(callErr, fmt.Errorf("queue reply on %q: %w", category, err))
		}
		return callErr
	}))
}

func invoke(ctx context.Context, call Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("call panicked: %v\nStack trace:\n%s", r, debug.Stack())
		}
	}()
	return call(ctx)
}

func callOrNil(c Call) any {
	if c == nil {
		return nil
	}
	return c
}

func replyOrNil(r Reply) any {
	if r == nil {
		return nil
	}
	return r
}
