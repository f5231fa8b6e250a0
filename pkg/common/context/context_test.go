package context

import (
	"context"
	"testing"
	"time"
)

func TestWithinLoop(t *testing.T) {
	base := context.Background()
	if InLoop(base) {
		t.Fatal("background context should not be in loop")
	}

	loopCtx := WithinLoop(base)
	if !InLoop(loopCtx) {
		t.Fatal("marked context should be in loop")
	}

	child, cancel := context.WithCancel(loopCtx)
	defer cancel()
	if !InLoop(child) {
		t.Error("derived context should keep the loop marker")
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("slept %v, want at least 5ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Sleep on canceled context = %v, want context.Canceled", err)
	}
}
