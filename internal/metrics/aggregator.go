// Package metrics turns an inbound sequence of message ids into a receive
// rate, and exports harness counters to Prometheus.
package metrics

import "time"

// Window is the length of one rate sample.
const Window = time.Second

// Aggregator estimates messages per second from arriving sequence ids. A
// sample is taken when a message arrives at least Window after the window
// opened, so a traffic gap delays the next sample instead of producing zero.
//
// Aggregator is not safe for concurrent use; the session mutates and reads
// it from its event loop only.
type Aggregator struct {
	now func() time.Time

	start   time.Time // zero while no window is open
	count   int
	lastMPS int
	lastID  uint64
}

// Snapshot is a read-only view of an Aggregator.
type Snapshot struct {
	LastID uint64 // highest id seen in the current run
	MPS    int    // last completed sample
	Count  int    // messages in the open window
	Start  time.Time
}

// NewAggregator returns an Aggregator using now as its clock; nil means time.Now.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now}
}

// Observe records the arrival of message id. Id 1 marks a fresh sending run
// and resets the window and the last sample.
func (a *Aggregator) Observe(id uint64) {
	if id == 1 {
		a.Reset()
	}
	a.lastID = id
	a.count++

	now := a.now()
	if a.start.IsZero() {
		a.start = now
	} else if now.Sub(a.start) >= Window {
		a.lastMPS = a.count
		a.count = 0
		a.start = now
	}
}

// Reset clears the window and the last sample.
func (a *Aggregator) Reset() {
	a.count = 0
	a.start = time.Time{}
	a.lastMPS = 0
}

func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		LastID: a.lastID,
		MPS:    a.lastMPS,
		Count:  a.count,
		Start:  a.start,
	}
}
