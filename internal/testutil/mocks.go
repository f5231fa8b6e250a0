package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Recorder collects failures handed to a reporter. It satisfies report.Reporter.
type Recorder struct {
	mu   sync.Mutex
	errs []error
}

// Report records err.
func (r *Recorder) Report(_ context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Errors returns a copy of the recorded failures.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Len returns the number of recorded failures.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// Trace is an ordered, goroutine-safe log of string entries. Tests use it to
// assert execution order across callbacks.
type Trace struct {
	mu      sync.Mutex
	entries []string
}

// Add appends an entry.
func (tr *Trace) Add(format string, args ...any) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = append(tr.entries, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the log.
func (tr *Trace) Entries() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.entries...)
}

// Reset empties the log.
func (tr *Trace) Reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = nil
}

// MockSubsystem records its lifecycle calls into a Trace and can be told to fail.
type MockSubsystem struct {
	ID           string
	Trace        *Trace
	FailInit     bool
	FailTerm     bool
	Initialized  bool
	Terminations int
}

// Name implements mainloop.Subsystem.
func (m *MockSubsystem) Name() string { return m.ID }

// Initialize implements mainloop.Subsystem.
func (m *MockSubsystem) Initialize(context.Context) error {
	m.Trace.Add("init:%s", m.ID)
	if m.FailInit {
		return errors.New(m.ID + " unavailable")
	}
	m.Initialized = true
	return nil
}

// Terminate implements mainloop.Subsystem.
func (m *MockSubsystem) Terminate(context.Context) error {
	m.Trace.Add("term:%s", m.ID)
	m.Terminations++
	if m.FailTerm {
		return errors.New(m.ID + " stuck")
	}
	return nil
}

// MockEventSource is a scripted native event source. Events are returned by
// PeekEvent in order; Dispatched lists what the loop dispatched.
type MockEventSource struct {
	mu         sync.Mutex
	pending    []any
	Dispatched []any
	Translated int
	PeekErr    error
	Trace      *Trace
}

// Push appends events to the pending stream.
func (m *MockEventSource) Push(events ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, events...)
}

// PeekEvent implements mainloop.EventSource.
func (m *MockEventSource) PeekEvent() (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PeekErr != nil {
		return nil, false, m.PeekErr
	}
	if len(m.pending) == 0 {
		return nil, false, nil
	}
	ev := m.pending[0]
	m.pending = m.pending[1:]
	return ev, true, nil
}

// TranslateEvent implements mainloop.EventSource.
func (m *MockEventSource) TranslateEvent(any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Translated++
	return nil
}

// DispatchEvent implements mainloop.EventSource.
func (m *MockEventSource) DispatchEvent(ev any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dispatched = append(m.Dispatched, ev)
	if m.Trace != nil {
		m.Trace.Add("event:%v", ev)
	}
	return nil
}

// DispatchedEvents returns a copy of the dispatched events.
func (m *MockEventSource) DispatchedEvents() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.Dispatched...)
}
