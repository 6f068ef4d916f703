package worker

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestAddFDDeliversDataOnWorkerGoroutine(t *testing.T) {
	w, ctx, stop := startTestWorker(t)
	defer stop()

	client, server := net.Pipe()
	defer client.Close()

	received := make(chan []byte, 1)
	onWorker := make(chan bool, 1)
	if err := w.AddFD(ctx, server, 0, func(now time.Time, data []byte, err error) {
		if err == nil {
			onWorker <- w.IsCurrent(ctx)
			received <- data
		}
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	go client.Write([]byte("hello"))

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("got %q, want %q", data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for data")
	}
	select {
	case onW := <-onWorker:
		if !onW {
			t.Fatalf("expected the read handler to run on the worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestAddFDRejectsDuplicateRegistration(t *testing.T) {
	w, ctx, stop := startTestWorker(t)
	defer stop()

	_, server := net.Pipe()
	defer server.Close()

	if err := w.AddFD(ctx, server, 0, func(time.Time, []byte, error) {}); err != nil {
		t.Fatalf("unexpected error on first AddFD: %v", err)
	}
	if err := w.AddFD(ctx, server, 0, func(time.Time, []byte, error) {}); err != ErrAlreadyRegistered {
		t.Fatalf("got %v, want ErrAlreadyRegistered", err)
	}
}

func TestRemoveFDStopsReadLoop(t *testing.T) {
	w, ctx, stop := startTestWorker(t)
	defer stop()

	client, server := net.Pipe()
	defer client.Close()

	if err := w.AddFD(ctx, server, 0, func(time.Time, []byte, error) {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.RemoveFD(server) {
		t.Fatalf("expected RemoveFD to find the registration")
	}
	if w.RemoveFD(server) {
		t.Fatalf("expected a second RemoveFD to report false")
	}
}

func TestAddFDReportsEOFOnClose(t *testing.T) {
	w, ctx, stop := startTestWorker(t)
	defer stop()

	client, server := net.Pipe()

	gotErr := make(chan error, 1)
	if err := w.AddFD(ctx, server, 0, func(now time.Time, data []byte, err error) {
		if err != nil {
			gotErr <- err
		}
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client.Close()

	select {
	case err := <-gotErr:
		if err != io.EOF && err != ErrReactor {
			t.Fatalf("got %v, want io.EOF or ErrReactor", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for close notification")
	}
}
