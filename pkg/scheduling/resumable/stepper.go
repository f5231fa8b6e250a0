package resumable

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"runtime"
)

// Stepper is a suspend/resume computation. Step performs one unit of progress
// and returns the value it produced. done reports that the computation has
// finished; value is then its final value, or nil if it has none.
type Stepper interface {
	Step(ctx context.Context) (value any, done bool, err error)
}

// Stopper is implemented by Steppers holding resources that must be released
// when the task leaves the registry before running to completion.
type Stopper interface {
	Stop()
}

// Namer is implemented by Steppers that identify themselves in failure reports.
type Namer interface {
	Name() string
}

// StepFunc adapts a function to the Stepper interface.
type StepFunc func(ctx context.Context) (any, bool, error)

// Step calls f(ctx).
func (f StepFunc) Step(ctx context.Context) (any, bool, error) {
	return f(ctx)
}

// Name returns the function name of f.
func (f StepFunc) Name() string {
	return funcName(f)
}

type named struct {
	Stepper
	name string
}

func (n named) Name() string { return n.name }

func (n named) Stop() {
	if s, ok := n.Stepper.(Stopper); ok {
		s.Stop()
	}
}

// Named overrides the name under which s appears in failure reports.
func Named(name string, s Stepper) Stepper {
	return named{Stepper: s, name: name}
}

// pullStepper drives an iterator one yield per Step.
type pullStepper struct {
	name string
	next func() (any, error, bool)
	stop func()
}

// FromSeq returns a Stepper that resumes seq until its next yield on every
// Step. The task completes when seq returns.
func FromSeq(seq iter.Seq[any]) Stepper {
	if seq == nil {
		return nil
	}
	return pull(funcName(seq), func(yield func(any, error) bool) {
		for v := range seq {
			if !yield(v, nil) {
				return
			}
		}
	})
}

// FromSeq2 is FromSeq for iterators that report failures. A non-nil error
// fails the task; the value paired with it is discarded.
func FromSeq2(seq iter.Seq2[any, error]) Stepper {
	if seq == nil {
		return nil
	}
	return pull(funcName(seq), seq)
}

func pull(name string, seq iter.Seq2[any, error]) *pullStepper {
	next, stop := iter.Pull2(seq)
	return &pullStepper{name: name, next: next, stop: stop}
}

func (p *pullStepper) Step(context.Context) (any, bool, error) {
	v, err, ok := p.next()
	if !ok {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

func (p *pullStepper) Stop() { p.stop() }

func (p *pullStepper) Name() string { return p.name }

func stepperName(s Stepper) string {
	if n, ok := s.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Sprintf("%T", fn)
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}
