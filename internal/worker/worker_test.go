package worker

import (
	"context"
	"testing"
	"time"
)

func startTestWorker(t *testing.T) (*Worker, context.Context, func()) {
	t.Helper()
	w := New(1, Config{})
	ctx := WithWorker(context.Background(), w)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	stop := func() {
		w.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker did not stop in time")
		}
	}
	return w, ctx, stop
}

func TestExecuteDirectRunsInline(t *testing.T) {
	w := New(1, Config{})
	ran := false
	if err := w.Execute(context.Background(), func(now time.Time) { ran = true }, Direct); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatalf("expected Direct mode to run inline synchronously")
	}
}

func TestExecuteQueuedRunsOnWorkerGoroutine(t *testing.T) {
	w, ctx, stop := startTestWorker(t)
	defer stop()

	result := make(chan bool, 1)
	err := w.Execute(ctx, func(now time.Time) {
		result <- w.IsCurrent(ctx)
	}, Queued)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case onWorker := <-result:
		if !onWorker {
			t.Fatalf("expected the queued task to observe itself running on the worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for queued task to run")
	}
}

func TestExecuteAutoResolvesToDirectWhenAlreadyOnWorker(t *testing.T) {
	w, ctx, stop := startTestWorker(t)
	defer stop()

	inner := make(chan bool, 1)
	err := w.Execute(ctx, func(now time.Time) {
		// Now running on the worker's goroutine (queued in from outside);
		// a nested Auto call from here must resolve to Direct.
		nestedRanInline := false
		_ = w.Execute(ctx, func(now time.Time) { nestedRanInline = true }, Auto)
		inner <- nestedRanInline
	}, Queued)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case ranInline := <-inner:
		if !ranInline {
			t.Fatalf("expected nested Auto dispatch to run inline once already on the worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestCallFromForeignGoroutineBlocksUntilDone(t *testing.T) {
	_, ctx, stop := startTestWorker(t)
	defer stop()
	w, _ := FromContext(ctx)

	done := false
	err := w.Call(context.Background(), func(now time.Time) { done = true }, Queued)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("expected Call to block until the task completed")
	}
}

func TestCallQueuedFromSameWorkerWouldBlock(t *testing.T) {
	w, ctx, stop := startTestWorker(t)
	defer stop()

	result := make(chan error, 1)
	_ = w.Execute(ctx, func(now time.Time) {
		result <- w.Call(ctx, func(now time.Time) {}, Queued)
	}, Queued)

	select {
	case err := <-result:
		if err != ErrWouldBlock {
			t.Fatalf("got %v, want ErrWouldBlock", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestStopDrainsPendingWorkBeforeExiting(t *testing.T) {
	w := New(1, Config{})
	ctx := WithWorker(context.Background(), w)

	ran := make(chan struct{}, 1)
	if err := w.Execute(ctx, func(now time.Time) { close(ran) }, Queued); err != nil {
		t.Fatalf("unexpected error queuing before Run starts: %v", err)
	}
	w.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected pending work to run even after Stop before Run started")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to exit once pending work drained")
	}
}
