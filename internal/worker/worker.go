// Package worker implements the single-threaded, cooperative worker
// runtime from spec §4.1: one goroutine per worker, all session state
// pinned to it, plus a message queue, a delayed-call queue and a load
// meter. Of these, only the message queue (via Execute and Call) is
// touched from outside the owning goroutine.
//
// Go's runtime already multiplexes socket readiness across goroutines,
// so the reactor's fd-registration step is modelled here as handing a
// net.Conn's read loop a callback that posts parsed work onto the
// worker's own queue (see fdreg.go) rather than reimplementing an
// epoll-style event demultiplexer.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sdrik/rwsplit/internal/clock"
	"github.com/sdrik/rwsplit/internal/containers"
)

// ErrAlreadyRegistered is returned by AddFD for an fd already registered.
var ErrAlreadyRegistered = errors.New("worker: fd already registered")

// ErrWouldBlock is returned by Call when the caller is already running
// on the target worker and mode is Queued — posting and waiting for
// itself to drain its own queue would deadlock.
var ErrWouldBlock = errors.New("worker: call would deadlock (caller is this worker)")

// ErrClosed is returned by Execute (Queued) and Call once Stop has been
// called.
var ErrClosed = errors.New("worker: closed")

// Task is a unit of work dispatched on a worker's own goroutine. now is
// the timestamp captured at the top of the current loop iteration.
type Task func(now time.Time)

// Mode selects how Execute dispatches a Task (spec §4.1).
type Mode int

const (
	// Direct runs the task inline, on the caller's own goroutine.
	Direct Mode = iota
	// Queued posts the task to the worker's message queue and returns
	// without waiting for it to run.
	Queued
	// Auto is Direct iff the caller is already running on this worker,
	// else Queued.
	Auto
)

type ctxKey struct{}

// WithWorker attaches w to ctx, so handlers it runs can tell (via
// IsCurrent) whether they are already executing on w's own goroutine.
func WithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, ctxKey{}, w)
}

// FromContext returns the worker attached to ctx by WithWorker, if any.
func FromContext(ctx context.Context) (*Worker, bool) {
	w, ok := ctx.Value(ctxKey{}).(*Worker)
	return w, ok
}

type queuedTask struct {
	fn  Task
	sem chan struct{}
}

// Worker is one single-threaded cooperative event-loop worker (spec
// §4.1's Worker). Zero value is not usable; construct with New.
type Worker struct {
	id int

	queue   chan queuedTask
	pending []queuedTask

	delayed      *containers.DueQueue
	delayedFns   map[uint64]delayedEntry
	nextDelayID  uint64

	load *LoadMeter

	fds *fdTable

	clock *clock.Clock
	rng   *rand.Rand

	closing atomic.Bool
	closed  chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

type delayedEntry struct {
	fn       DelayedFunc
	interval time.Duration
}

// Config bundles worker construction parameters (spec §6's
// thread_count/max_events options apply to the pool that owns many
// Workers, not to an individual Worker's construction).
type Config struct {
	// QueueDepth bounds the message queue; a full queue makes Queued
	// dispatch block the poster, matching the MPSC descriptor's backing
	// buffer semantics closely enough for a userspace channel.
	QueueDepth int
	Logger     *slog.Logger
}

// New builds a Worker identified by id. Call Run to start its loop.
func New(id int, cfg Config) *Worker {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:         id,
		queue:      make(chan queuedTask, depth),
		delayed:    containers.NewDueQueue(),
		delayedFns: make(map[uint64]delayedEntry),
		load:       newLoadMeter(),
		fds:        newFDTable(),
		clock:      clock.New(),
		rng:        rand.New(rand.NewSource(int64(id) + 1)),
		closed:     make(chan struct{}),
		log:        logger,
	}
}

// ID returns this worker's stable identity, used for session pinning and
// metrics labeling.
func (w *Worker) ID() int { return w.id }

// Rand returns this worker's own random source (spec §4.1: "a random
// engine"), used by the per-worker classifier cache for eviction
// sampling so no cross-worker synchronization is ever needed for it.
func (w *Worker) Rand() *rand.Rand { return w.rng }

// IsCurrent reports whether ctx identifies this worker as the one
// currently executing (i.e. the caller is running on w's own goroutine).
func (w *Worker) IsCurrent(ctx context.Context) bool {
	cur, ok := FromContext(ctx)
	return ok && cur == w
}

// Execute dispatches task per mode (spec §4.1). Direct runs inline;
// Queued posts to the message queue; Auto resolves to Direct when ctx
// identifies the caller as this worker, else Queued.
func (w *Worker) Execute(ctx context.Context, task Task, mode Mode) error {
	if mode == Auto {
		if w.IsCurrent(ctx) {
			mode = Direct
		} else {
			mode = Queued
		}
	}
	if mode == Direct {
		task(w.clock.Now())
		return nil
	}
	if w.closing.Load() {
		return ErrClosed
	}
	select {
	case w.queue <- queuedTask{fn: task}:
		return nil
	case <-w.closed:
		return ErrClosed
	}
}

// Call posts task and blocks until it has run, returning ErrWouldBlock
// if the caller is already on this worker and mode is Queued (spec
// §4.1: "forbidden when caller == this worker and mode == Queued").
func (w *Worker) Call(ctx context.Context, task Task, mode Mode) error {
	if mode == Auto {
		if w.IsCurrent(ctx) {
			mode = Direct
		} else {
			mode = Queued
		}
	}
	if mode == Direct {
		task(w.clock.Now())
		return nil
	}
	if w.IsCurrent(ctx) {
		return ErrWouldBlock
	}
	if w.closing.Load() {
		return ErrClosed
	}
	sem := make(chan struct{})
	select {
	case w.queue <- queuedTask{fn: task, sem: sem}:
	case <-w.closed:
		return ErrClosed
	}
	select {
	case <-sem:
		return nil
	case <-w.closed:
		return ErrClosed
	}
}

// Stop is signal-safe per spec §4.1's shutdown(): it only flips a flag
// and wakes the loop; Run returns once pending queued work has drained.
func (w *Worker) Stop() {
	w.closing.Store(true)
	w.closeOnce.Do(func() { close(w.closed) })
}
