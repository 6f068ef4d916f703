package worker

import (
	"time"

	"github.com/sdrik/rwsplit/internal/containers"
)

// CallID identifies a scheduled delayed call, returned by DelayedCall and
// consumed by CancelDelayedCall.
type CallID uint64

// CancelReason is passed to a delayed call's function exactly once if it
// is cancelled before firing.
type CancelReason int

const (
	// Fired means the call is running because it came due normally.
	Fired CancelReason = iota
	// Cancelled means CancelDelayedCall was invoked before the call was
	// next due.
	Cancelled
)

// DelayedFunc is scheduled work. Called with Fired at each due time; it
// returns true to reschedule at due+interval (or now, if the call
// overran its period — spec §4.1: "no backlog of missed fires"), false
// to drop it. Called once with Cancelled, whose return value is ignored,
// if CancelDelayedCall runs first.
type DelayedFunc func(now time.Time, reason CancelReason) bool

// DelayedCall schedules fn to first run after delay, on this worker's
// own goroutine, matching spec §4.1's delayed_call. Must itself be
// invoked from this worker's goroutine (typically from inside a Task).
func (w *Worker) DelayedCall(now time.Time, delay time.Duration, fn DelayedFunc) CallID {
	w.nextDelayID++
	id := w.nextDelayID
	w.delayedFns[id] = delayedEntry{fn: fn, interval: delay}
	w.delayed.Insert(id, now.Add(delay).UnixNano())
	return CallID(id)
}

// CancelDelayedCall removes a pending delayed call, invoking its
// function once with Cancelled, and reports whether id was found. It is
// synchronous, matching spec §4.1.
func (w *Worker) CancelDelayedCall(now time.Time, id CallID) bool {
	entry, ok := w.delayedFns[uint64(id)]
	if !ok {
		return false
	}
	w.delayed.Remove(uint64(id))
	delete(w.delayedFns, uint64(id))
	entry.fn(now, Cancelled)
	return true
}

// fireDue runs every delayed call due at or before now, in non-decreasing
// due-time order (ties broken by id ascending, per the DueQueue's
// ordering), and returns how many fired.
func (w *Worker) fireDue(now time.Time) int {
	n := 0
	nowNano := now.UnixNano()
	// Reschedules are queued only after the pass, so a call rescheduled
	// at now fires at most once per fireDue call.
	var requeue []*containers.DueEntry
	for {
		entry, ok := w.delayed.PopDue(nowNano)
		if !ok {
			for _, r := range requeue {
				w.delayed.Insert(r.ID, r.DueAt)
			}
			return n
		}
		fn, ok := w.delayedFns[entry.ID]
		if !ok {
			continue
		}
		delete(w.delayedFns, entry.ID)
		n++
		again := fn.fn(now, Fired)
		if !again {
			continue
		}
		// Reschedule at the fired entry's due time plus its interval; if
		// that is already in the past (the call overran its period), use
		// now instead, so missed fires never pile up as a backlog
		// (spec §4.1: "no backlog of missed fires").
		due := time.Unix(0, entry.DueAt).Add(fn.interval)
		if due.Before(now) {
			due = now
		}
		w.delayedFns[entry.ID] = fn
		requeue = append(requeue, &containers.DueEntry{ID: entry.ID, DueAt: due.UnixNano()})
	}
}
