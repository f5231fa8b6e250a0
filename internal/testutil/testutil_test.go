package testutil

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventually(t *testing.T) {
	t.Run("condition met immediately", func(t *testing.T) {
		called := false
		Eventually(t, func() bool {
			called = true
			return true
		}, 100*time.Millisecond, 10*time.Millisecond)

		if !called {
			t.Error("condition function should be called")
		}
	})

	t.Run("condition met after delay", func(t *testing.T) {
		var counter int32
		go func() {
			time.Sleep(20 * time.Millisecond)
			atomic.StoreInt32(&counter, 1)
		}()

		Eventually(t, func() bool {
			return atomic.LoadInt32(&counter) == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestWaitForInt32(t *testing.T) {
	var value int32

	go func() {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&value, 42)
	}()

	WaitForInt32(t, &value, 42, time.Second)
}

func TestAssertDone(t *testing.T) {
	done := make(chan struct{})
	AssertNotDone(t, done, 10*time.Millisecond)
	close(done)
	AssertDone(t, done)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Report(context.Background(), errors.New("a"))
	r.Report(context.Background(), errors.New("b"))

	AssertEqual(t, r.Len(), 2)
	AssertEqual(t, r.Errors()[1].Error(), "b")
}

func TestTrace(t *testing.T) {
	var tr Trace
	tr.Add("item:%s", "a1")
	tr.Add("item:%d", 2)

	entries := tr.Entries()
	AssertEqual(t, len(entries), 2)
	AssertEqual(t, entries[0], "item:a1")
	AssertEqual(t, entries[1], "item:2")

	tr.Reset()
	AssertEqual(t, len(tr.Entries()), 0)
}

func TestMockSubsystem(t *testing.T) {
	tr := &Trace{}
	m := &MockSubsystem{ID: "speech", Trace: tr, FailInit: true}

	AssertError(t, m.Initialize(context.Background()))
	AssertNoError(t, m.Terminate(context.Background()))
	AssertEqual(t, m.Name(), "speech")
	AssertEqual(t, tr.Entries()[0], "init:speech")
	AssertEqual(t, tr.Entries()[1], "term:speech")
}

func TestMockEventSource(t *testing.T) {
	src := &MockEventSource{}
	src.Push("key:a", "key:b")

	ev, ok, err := src.PeekEvent()
	AssertNoError(t, err)
	AssertEqual(t, ok, true)
	AssertNoError(t, src.TranslateEvent(ev))
	AssertNoError(t, src.DispatchEvent(ev))

	AssertEqual(t, len(src.DispatchedEvents()), 1)
	AssertEqual(t, src.Translated, 1)

	src.PeekErr = errors.New("pump broken")
	_, _, err = src.PeekEvent()
	AssertError(t, err)
}
