// Package sequence issues strictly increasing, gap-free sequence numbers.
// The matching engine uses one sequencer as its logical clock for order
// time priority and a second, independent one for trade identifiers.
package sequence

import "sync/atomic"

// Sequencer generates strictly monotonic sequence IDs. Safe for
// concurrent use; no duplicate is ever returned.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer that resumes after start: the first Next call
// returns start+1. Pass the last persisted sequence on restart so replayed
// history and new activity share one ordering.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence ID, strictly greater than every value
// previously returned.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset sets the counter back to zero. Test and administrative use only;
// not safe to call while orders are in flight.
func (s *Sequencer) Reset() {
	s.next.Store(0)
}
