package worker

import "github.com/sdrik/rwsplit/internal/containers"

// LoadMeter tracks the fraction of wall time a worker spends outside its
// wait call (spec §4.1's load meter): the most recent sample directly,
// plus arithmetic sliding averages over the last 60 and the last 3600
// samples. A sample covers one Run loop iteration, which lasts at most
// about one second but may be much shorter, so the three readings are
// not fixed 1 s / 1 min / 1 h wall-clock windows.
type LoadMeter struct {
	lastSample float64
	minute     *containers.SlidingAverage
	hour       *containers.SlidingAverage
}

func newLoadMeter() *LoadMeter {
	return &LoadMeter{
		minute: containers.NewSlidingAverage(60),
		hour:   containers.NewSlidingAverage(3600),
	}
}

// Sample records one busy-fraction sample. Run calls it once per loop
// iteration, right after the wait call returns.
func (m *LoadMeter) Sample(busyFraction float64) {
	m.lastSample = busyFraction
	m.minute.Add(busyFraction)
	m.hour.Add(busyFraction)
}

// OneSecond returns the most recent sample (one loop iteration).
func (m *LoadMeter) OneSecond() float64 { return m.lastSample }

// OneMinute returns the sliding average over the last (up to) 60 samples.
func (m *LoadMeter) OneMinute() float64 { return m.minute.Value() }

// OneHour returns the sliding average over the last (up to) 3600 samples.
func (m *LoadMeter) OneHour() float64 { return m.hour.Value() }

// Load returns the worker's most recent load sample, for the
// QueueLength-style shorthand accessors.
func (w *Worker) Load() float64 { return w.load.OneSecond() }

// LoadOneMinute returns the worker's 1-minute sliding-average load.
func (w *Worker) LoadOneMinute() float64 { return w.load.OneMinute() }

// LoadOneHour returns the worker's 1-hour sliding-average load.
func (w *Worker) LoadOneHour() float64 { return w.load.OneHour() }

// QueueLength returns the number of tasks currently waiting in the
// message queue, for the "max queue-length" histogram spec §4.1 step 5
// names.
func (w *Worker) QueueLength() int { return len(w.queue) }

// PendingDelayedCalls returns how many delayed calls are currently
// scheduled.
func (w *Worker) PendingDelayedCalls() int { return w.delayed.Len() }
