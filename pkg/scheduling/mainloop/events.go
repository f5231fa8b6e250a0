package mainloop

import (
	"context"
	"fmt"
	"runtime/debug"

	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
)

// Event is an opaque native event.
type Event = any

// EventSource is the host's native event stream. The loop peeks at most one
// event per tick and, if one is pending, translates and dispatches it.
//
// PeekEvent must not block. Errors returned by PeekEvent and TranslateEvent
// are failures of the event pump and stop the loop. DispatchEvent errors stop
// the loop too, unless they are *errors.WorkItemError values, which mark a
// failed handler and are only reported.
type EventSource interface {
	PeekEvent() (ev Event, ok bool, err error)
	TranslateEvent(ev Event) error
	DispatchEvent(ev Event) error
}

// HandlerFunc handles one dispatched event.
type HandlerFunc func(ctx context.Context, ev Event) error

// ChannelSource is an EventSource fed by a Go channel. Any goroutine may send
// events; the loop takes them one per tick and passes them to the handler.
type ChannelSource struct {
	events  <-chan Event
	handler HandlerFunc
	ctx     context.Context
}

// NewChannelSource creates a source reading from events. A nil handler
// discards events.
func NewChannelSource(events <-chan Event, handler HandlerFunc) *ChannelSource {
	return &ChannelSource{events: events, handler: handler, ctx: context.Background()}
}

// WithContext returns a copy of s passing ctx, marked as the loop context, to
// the handler.
func (s *ChannelSource) WithContext(ctx context.Context) *ChannelSource {
	cp := *s
	cp.ctx = ctx
	return &cp
}

// PeekEvent implements EventSource. A closed channel reads as empty.
func (s *ChannelSource) PeekEvent() (Event, bool, error) {
	select {
	case ev, ok := <-s.events:
		return ev, ok, nil
	default:
		return nil, false, nil
	}
}

// TranslateEvent implements EventSource. Channel events need no translation.
func (s *ChannelSource) TranslateEvent(Event) error { return nil }

// DispatchEvent implements EventSource. Handler errors and panics are
// returned as *errors.WorkItemError.
func (s *ChannelSource) DispatchEvent(ev Event) (err error) {
	if s.handler == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &clerrors.WorkItemError{
				Kind:  clerrors.KindEvent,
				Name:  fmt.Sprintf("%T", ev),
				Cause: fmt.Errorf("panic: %v", r),
				Stack: debug.Stack(),
			}
		}
	}()
	if herr := s.handler(clcontext.WithinLoop(s.ctx), ev); herr != nil {
		return &clerrors.WorkItemError{Kind: clerrors.KindEvent, Name: fmt.Sprintf("%T", ev), Cause: herr}
	}
	return nil
}
