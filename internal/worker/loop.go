package worker

import (
	"context"
	"time"
)

// maxWaitGranularity bounds how long a single loop iteration may block
// waiting for queued work or a delayed call, so shutdown and load-meter
// sampling stay responsive even with nothing due (spec §4.1 step 2:
// "compute next-fire delay bounded by a 1 s granularity").
const maxWaitGranularity = time.Second

// Run drives the worker's main loop until Stop is called and all
// pending queued work has drained (spec §4.1's cooperative shutdown).
// It must be called on the goroutine that is to become this worker's
// own goroutine — every Task this worker ever runs, including delayed
// calls, executes here.
func (w *Worker) Run(ctx context.Context) {
	ctx = WithWorker(ctx, w)
	for {
		now := w.clock.Tick() // step 1: record now

		wait := w.nextWait(now) // step 2: bound by 1s granularity

		waited := w.waitForWork(wait)              // step 3: wait for events or timeout
		w.load.Sample(waitFraction(waited, wait)) // step 4: update load meter

		drained := w.drainQueue(ctx) // steps 5+6: dispatch fd/queued work
		fired := w.fireDue(now)      // step 7: invoke due delayed calls

		if w.closing.Load() && drained == 0 && fired == 0 && w.queueEmpty() {
			return
		}
	}
}

// nextWait returns how long the loop should block before it must next
// look at due delayed calls, capped at maxWaitGranularity.
func (w *Worker) nextWait(now time.Time) time.Duration {
	entry, ok := w.delayed.Peek()
	if !ok {
		return maxWaitGranularity
	}
	due := time.Unix(0, entry.DueAt)
	if !due.After(now) {
		return 0
	}
	if d := due.Sub(now); d < maxWaitGranularity {
		return d
	}
	return maxWaitGranularity
}

// waitForWork blocks until either a queued task arrives or wait
// elapses, returning how long it actually waited (for the load meter).
func (w *Worker) waitForWork(wait time.Duration) time.Duration {
	if wait <= 0 {
		select {
		case qt, ok := <-w.queue:
			if ok {
				w.pending = append(w.pending, qt)
			}
		default:
		}
		return 0
	}
	start := time.Now()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case qt, ok := <-w.queue:
		if ok {
			w.pending = append(w.pending, qt)
		}
	case <-timer.C:
	case <-w.closed:
	}
	return time.Since(start)
}

// drainQueue runs every task queued (including the one waitForWork may
// have already pulled) until the channel is empty, returning how many
// ran.
func (w *Worker) drainQueue(ctx context.Context) int {
	n := 0
	for _, qt := range w.pending {
		w.runQueued(qt)
		n++
	}
	w.pending = w.pending[:0]
	for {
		select {
		case qt, ok := <-w.queue:
			if !ok {
				return n
			}
			w.runQueued(qt)
			n++
		default:
			return n
		}
	}
}

func (w *Worker) runQueued(qt queuedTask) {
	qt.fn(w.clock.Now())
	if qt.sem != nil {
		close(qt.sem)
	}
}

func (w *Worker) queueEmpty() bool {
	return len(w.queue) == 0 && len(w.pending) == 0
}

// waitFraction is the load-meter sample for one iteration: the fraction
// of the budgeted wait time that was actually spent outside the wait
// call (spec §4.1: "(T-waited)/T").
func waitFraction(waited, budget time.Duration) float64 {
	if budget <= 0 {
		return 1
	}
	busy := budget - waited
	if busy < 0 {
		busy = 0
	}
	return float64(busy) / float64(budget)
}
