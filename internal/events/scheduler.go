// Package events provides the one-shot callback scheduler every station and
// the coordinator run on. Callbacks execute one at a time on whichever
// goroutine calls RunDue, which gives the single-threaded, run-to-completion
// model the protocol relies on.
package events

import (
	"sync"
	"time"

	"github.com/signalsfoundry/tdma-simulator/timectrl"
)

// EventScheduler runs callbacks at simulation times read from a clock.
//
// The driver advances the clock and calls RunDue after each advance.
// Stations and the coordinator keep their timers with Schedule and Cancel.
type EventScheduler interface {
	// Schedule registers f to run at at and returns an id for Cancel.
	Schedule(at time.Time, f func()) (id string)
	// Cancel is a no-op for unknown ids and events that already ran.
	Cancel(id string)
	Now() time.Time
	// RunDue runs every live event at or before Now, including ones the
	// callbacks add for the current instant.
	RunDue()
	// Next reports the time of the earliest live event.
	Next() (time.Time, bool)
	// Pending counts live events.
	Pending() int
}

// After schedules f to run d after the scheduler's current time.
func After(s EventScheduler, d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

// Post schedules f to run at the scheduler's current time, after every
// event already due at that instant. It is how goroutines outside the event
// loop (socket readers) hand work to it.
func Post(s EventScheduler, f func()) string {
	return s.Schedule(s.Now(), f)
}

type clockScheduler struct {
	clock timectrl.SimClock

	mu sync.Mutex
	q  queue
}

// NewEventScheduler returns a scheduler that reads time from clock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &clockScheduler{clock: clock, q: newQueue("ev-")}
}

func (s *clockScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.push(at, f)
}

func (s *clockScheduler) Cancel(id string) {
	s.mu.Lock()
	s.q.cancel(id)
	s.mu.Unlock()
}

func (s *clockScheduler) Now() time.Time { return s.clock.Now() }

func (s *clockScheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.next()
}

func (s *clockScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.pending()
}

func (s *clockScheduler) RunDue() {
	for {
		s.mu.Lock()
		e := s.q.popDue(s.clock.Now())
		s.mu.Unlock()
		if e == nil {
			return
		}
		// Unlocked, so callbacks may schedule and cancel.
		if e.f != nil {
			e.f()
		}
	}
}
