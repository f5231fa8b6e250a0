package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/coreloop/internal/testutil"
	clcontext "github.com/vnykmshr/coreloop/pkg/common/context"
	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/metrics"
)

const (
	catA Category = "A"
	catB Category = "B"
)

func newTestSet(t *testing.T, categories []Category, capacity int) (*Set, *testutil.Recorder) {
	t.Helper()
	rec := &testutil.Recorder{}
	s := NewSet(WithReporter(rec))
	testutil.AssertNoError(t, s.Initialize(categories, capacity))
	t.Cleanup(func() { s.Teardown() })
	return s, rec
}

// traced returns a Func that appends name to tr when executed.
func traced(tr *testutil.Trace, name string) Func {
	return func(context.Context, []any, map[string]any) error {
		tr.Add("%s", name)
		return nil
	}
}

func drain(t *testing.T, s *Set) []Result {
	t.Helper()
	results, err := s.DrainOneEach(context.Background())
	testutil.AssertNoError(t, err)
	return results
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		categories []Category
		capacity   int
		wantErr    bool
	}{
		{"defaults", DefaultCategories(), DefaultCapacity, false},
		{"two categories", []Category{catA, catB}, 2, false},
		{"no categories", nil, 10, true},
		{"empty category", []Category{catA, ""}, 10, true},
		{"duplicate category", []Category{catA, catB, catA}, 10, true},
		{"zero capacity", []Category{catA}, 0, true},
		{"negative capacity", []Category{catA}, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSet()
			err := s.Initialize(tt.categories, tt.capacity)
			if tt.wantErr {
				testutil.AssertErrorIs(t, err, clerrors.ErrConfiguration)
				testutil.AssertEqual(t, s.Initialized(), false)
				return
			}
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, s.Capacity(), tt.capacity)
			testutil.AssertEqual(t, len(s.Categories()), len(tt.categories))
			s.Teardown()
		})
	}
}

func TestInitialize_Twice(t *testing.T) {
	s := NewSet()
	testutil.AssertNoError(t, s.Initialize([]Category{catA}, 1))

	err := s.Initialize([]Category{catA}, 1)
	testutil.AssertErrorIs(t, err, clerrors.ErrConfiguration)

	s.Teardown()
	testutil.AssertNoError(t, s.Initialize([]Category{catB}, 1))
	testutil.AssertEqual(t, s.Categories()[0], catB)
	s.Teardown()
}

func TestSubmit_UnknownCategory(t *testing.T) {
	s, _ := newTestSet(t, []Category{catA}, 1)

	err := s.Submit(context.Background(), "nope", traced(&testutil.Trace{}, "x"), nil, nil)
	testutil.AssertErrorIs(t, err, clerrors.ErrUnknownCategory)
	if !strings.Contains(err.Error(), `"nope"`) {
		t.Errorf("error should name the category, got %v", err)
	}
	testutil.AssertEqual(t, s.Len(catA), 0)
}

func TestSubmit_Validation(t *testing.T) {
	s, _ := newTestSet(t, []Category{catA}, 1)

	testutil.AssertErrorIs(t, s.Submit(context.Background(), catA, nil, nil, nil), clerrors.ErrConfiguration)
	testutil.AssertErrorIs(t, s.Post(context.Background(), catA, nil), clerrors.ErrConfiguration)

	uninitialized := NewSet()
	testutil.AssertErrorIs(t, uninitialized.Submit(context.Background(), catA, traced(&testutil.Trace{}, "x"), nil, nil), clerrors.ErrClosed)
}

func TestDrainOneEach_RoundRobinFIFO(t *testing.T) {
	categories := []Category{catA, catB, "C"}
	s, _ := newTestSet(t, categories, 10)
	tr := &testutil.Trace{}
	ctx := context.Background()

	// Interleave submissions across categories.
	for i := 1; i <= 3; i++ {
		testutil.AssertNoError(t, s.Submit(ctx, "C", traced(tr, fmt.Sprintf("c%d", i)), nil, nil))
		testutil.AssertNoError(t, s.Submit(ctx, catA, traced(tr, fmt.Sprintf("a%d", i)), nil, nil))
	}
	testutil.AssertNoError(t, s.Submit(ctx, catB, traced(tr, "b1"), nil, nil))

	results := drain(t, s)
	testutil.AssertEqual(t, len(results), 3)
	testutil.AssertEqual(t, results[0].Executed, true)
	testutil.AssertEqual(t, results[1].Executed, true)
	testutil.AssertEqual(t, results[2].Executed, true)
	testutil.AssertEqual(t, strings.Join(tr.Entries(), ","), "a1,b1,c1")

	tr.Reset()
	results = drain(t, s)
	testutil.AssertEqual(t, results[1].Category, catB)
	testutil.AssertEqual(t, results[1].Executed, false)
	testutil.AssertEqual(t, strings.Join(tr.Entries(), ","), "a2,c2")

	tr.Reset()
	drain(t, s)
	testutil.AssertEqual(t, strings.Join(tr.Entries(), ","), "a3,c3")

	tr.Reset()
	results = drain(t, s)
	for _, r := range results {
		testutil.AssertEqual(t, r.Executed, false)
	}
	testutil.AssertEqual(t, len(tr.Entries()), 0)
	testutil.AssertEqual(t, s.Empty(), true)
}

// Categories {A, B}, capacity 2: a1..a3 to A and b1 to B. Three drains run
// a1,b1 then a2 then a3. a3 only fits once the first drain frees a slot.
func TestDrainOneEach_CapacityScenario(t *testing.T) {
	s, _ := newTestSet(t, []Category{catA, catB}, 2)
	tr := &testutil.Trace{}
	ctx := context.Background()

	testutil.AssertNoError(t, s.Submit(ctx, catA, traced(tr, "a1"), nil, nil))
	testutil.AssertNoError(t, s.Submit(ctx, catA, traced(tr, "a2"), nil, nil))

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		if err := s.Submit(ctx, catA, traced(tr, "a3"), nil, nil); err != nil {
			t.Errorf("submit a3: %v", err)
		}
	}()
	testutil.AssertNoError(t, s.Submit(ctx, catB, traced(tr, "b1"), nil, nil))

	testutil.AssertNotDone(t, submitted, 20*time.Millisecond)

	drain(t, s)
	testutil.AssertEqual(t, strings.Join(tr.Entries(), ","), "a1,b1")
	testutil.AssertDone(t, submitted)
	testutil.AssertEqual(t, s.Len(catA), 2)

	drain(t, s)
	drain(t, s)
	testutil.AssertEqual(t, strings.Join(tr.Entries(), ","), "a1,b1,a2,a3")
}

func TestSubmit_BurstLosesNothing(t *testing.T) {
	const capacity, burst = 3, 25
	s, _ := newTestSet(t, []Category{catA}, capacity)
	tr := &testutil.Trace{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < burst; i++ {
			if err := s.Submit(context.Background(), catA, traced(tr, fmt.Sprint(i)), nil, nil); err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
		}
	}()

	testutil.AssertEventually(t, func() bool { return s.Len(catA) == capacity })
	deadline := time.Now().Add(testutil.TestTimeout)
	for len(tr.Entries()) < burst {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d items executed", len(tr.Entries()), burst)
		}
		results := drain(t, s)
		if !results[0].Executed {
			time.Sleep(time.Millisecond)
		}
		if n := s.Len(catA); n > capacity {
			t.Fatalf("queue exceeded capacity: %d", n)
		}
	}
	testutil.AssertDone(t, done)

	entries := tr.Entries()
	for i, e := range entries {
		testutil.AssertEqual(t, e, fmt.Sprint(i))
	}
}

func TestDrainOneEach_FailureIsolation(t *testing.T) {
	s, rec := newTestSet(t, []Category{catA, catB}, 4)
	tr := &testutil.Trace{}
	ctx := context.Background()
	boom := errors.New("boom")

	failing := func(context.Context, []any, map[string]any) error { return boom }
	testutil.AssertNoError(t, s.Submit(ctx, catA, failing, nil, nil))
	testutil.AssertNoError(t, s.Submit(ctx, catA, traced(tr, "a2"), nil, nil))
	testutil.AssertNoError(t, s.Post(ctx, catB, func() { panic("b exploded") }))

	results := drain(t, s)
	testutil.AssertErrorIs(t, results[0].Err, boom)
	testutil.AssertErrorIs(t, results[0].Err, clerrors.ErrWorkItem)
	testutil.AssertErrorIs(t, results[1].Err, clerrors.ErrWorkItem)
	testutil.AssertEqual(t, rec.Len(), 2)

	var wie *clerrors.WorkItemError
	if !errors.As(rec.Errors()[1], &wie) {
		t.Fatalf("expected WorkItemError, got %v", rec.Errors()[1])
	}
	testutil.AssertEqual(t, wie.Category, "B")
	if len(wie.Stack) == 0 || !strings.Contains(wie.Cause.Error(), "b exploded") {
		t.Errorf("panic should carry a stack and the panic value, got %+v", wie)
	}
	if !strings.Contains(rec.Errors()[0].Error(), "TestDrainOneEach_FailureIsolation") {
		t.Errorf("report should name the failing function, got %v", rec.Errors()[0])
	}

	drain(t, s)
	testutil.AssertEqual(t, strings.Join(tr.Entries(), ","), "a2")
}

func TestDrainOneEach_Uninitialized(t *testing.T) {
	s := NewSet()
	_, err := s.DrainOneEach(context.Background())
	testutil.AssertErrorIs(t, err, clerrors.ErrLoopControl)
}

func TestSubmit_ArgumentsAreCopied(t *testing.T) {
	s, _ := newTestSet(t, []Category{catA}, 1)

	args := []any{"hello"}
	kwargs := map[string]any{"wait": true}
	var gotArgs []any
	var gotKwargs map[string]any
	fn := func(_ context.Context, a []any, kw map[string]any) error {
		gotArgs, gotKwargs = a, kw
		return nil
	}

	testutil.AssertNoError(t, s.Submit(context.Background(), catA, fn, args, kwargs))
	args[0] = "mutated"
	kwargs["wait"] = false

	drain(t, s)
	testutil.AssertEqual(t, gotArgs[0], any("hello"))
	testutil.AssertEqual(t, gotKwargs["wait"], any(true))
}

func TestSubmit_FullQueuePolicies(t *testing.T) {
	s, _ := newTestSet(t, []Category{catA}, 1)
	noop := traced(&testutil.Trace{}, "x")

	testutil.AssertNoError(t, s.TrySubmit(catA, noop, nil, nil))

	testutil.AssertErrorIs(t, s.TrySubmit(catA, noop, nil, nil), clerrors.ErrCapacityExceeded)
	testutil.AssertErrorIs(t, s.SubmitWithTimeout(catA, noop, nil, nil, 10*time.Millisecond), clerrors.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	testutil.AssertErrorIs(t, s.Submit(ctx, catA, noop, nil, nil), context.Canceled)

	loopCtx := clcontext.WithinLoop(context.Background())
	err := s.Submit(loopCtx, catA, noop, nil, nil)
	testutil.AssertErrorIs(t, err, clerrors.ErrCapacityExceeded)
	if !clerrors.IsTemporary(err) {
		t.Error("capacity errors should be temporary")
	}
}

func TestDrainOneEach_ItemSeesLoopContext(t *testing.T) {
	s, _ := newTestSet(t, []Category{catA}, 1)
	noop := traced(&testutil.Trace{}, "x")
	var inLoop bool
	var first, second error

	fn := func(ctx context.Context, _ []any, _ map[string]any) error {
		inLoop = clcontext.InLoop(ctx)
		first = s.Submit(ctx, catA, noop, nil, nil)
		// The queue is now full; waiting here would stall the drain forever.
		second = s.Submit(ctx, catA, noop, nil, nil)
		return nil
	}
	testutil.AssertNoError(t, s.Submit(context.Background(), catA, fn, nil, nil))
	drain(t, s)

	testutil.AssertEqual(t, inLoop, true)
	testutil.AssertNoError(t, first)
	testutil.AssertErrorIs(t, second, clerrors.ErrCapacityExceeded)
	testutil.AssertEqual(t, s.Len(catA), 1)
}

func TestTeardown_ReleasesWaiters(t *testing.T) {
	s := NewSet()
	testutil.AssertNoError(t, s.Initialize([]Category{catA}, 1))
	noop := traced(&testutil.Trace{}, "x")
	testutil.AssertNoError(t, s.Submit(context.Background(), catA, noop, nil, nil))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Submit(context.Background(), catA, noop, nil, nil)
	}()

	select {
	case err := <-errCh:
		t.Fatalf("submit returned before teardown: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	testutil.AssertEqual(t, s.Teardown(), 1)
	select {
	case err := <-errCh:
		testutil.AssertErrorIs(t, err, clerrors.ErrClosed)
	case <-time.After(testutil.TestTimeout):
		t.Fatal("waiter was not released")
	}

	testutil.AssertEqual(t, s.Teardown(), 0)
	testutil.AssertErrorIs(t, s.TrySubmit(catA, noop, nil, nil), clerrors.ErrClosed)
}

func TestTeardown_AcceptedItemsAreAccounted(t *testing.T) {
	noop := func(context.Context, []any, map[string]any) error { return nil }

	for round := 0; round < 50; round++ {
		s := NewSet(WithReporter(&testutil.Recorder{}))
		testutil.AssertNoError(t, s.Initialize([]Category{catA}, 10000))

		var accepted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for {
					err := s.TrySubmit(catA, noop, nil, nil)
					if errors.Is(err, clerrors.ErrCapacityExceeded) {
						continue
					}
					if err != nil {
						if !errors.Is(err, clerrors.ErrClosed) {
							t.Errorf("TrySubmit: %v", err)
						}
						return
					}
					accepted.Add(1)
				}
			}()
		}

		close(start)
		time.Sleep(100 * time.Microsecond)
		discarded := s.Teardown()
		wg.Wait()

		// Every accepted item was still queued when the set was released.
		testutil.AssertEqual(t, int64(discarded), accepted.Load())
	}
}

func TestSet_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg)
	s := NewSet(WithMetrics(m, "core"), WithReporter(&testutil.Recorder{}))
	testutil.AssertNoError(t, s.Initialize([]Category{catA}, 4))
	defer s.Teardown()

	ctx := context.Background()
	testutil.AssertNoError(t, s.Submit(ctx, catA, traced(&testutil.Trace{}, "a1"), nil, nil))
	testutil.AssertNoError(t, s.Submit(ctx, catA, func(context.Context, []any, map[string]any) error {
		return errors.New("x")
	}, nil, nil))
	testutil.AssertEqual(t, promtest.ToFloat64(m.QueueDepth.WithLabelValues("core", "A")), 2.0)

	drain(t, s)
	drain(t, s)

	testutil.AssertEqual(t, promtest.ToFloat64(m.ItemsExecuted.WithLabelValues("core", "A")), 2.0)
	testutil.AssertEqual(t, promtest.ToFloat64(m.ItemsFailed.WithLabelValues("core", "A")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(m.QueueDepth.WithLabelValues("core", "A")), 0.0)
}

func TestFuncName(t *testing.T) {
	testutil.AssertEqual(t, FuncName(nil), "<nil>")
	if name := FuncName(TestFuncName); !strings.HasSuffix(name, "queue.TestFuncName") {
		t.Errorf("FuncName = %q", name)
	}
	var nilFunc Func
	testutil.AssertEqual(t, FuncName(nilFunc), "queue.Func")
	testutil.AssertEqual(t, FuncName(42), "int")
}
