package events

import (
	"sync"
	"time"
)

// FakeEventScheduler owns its clock. Tests move it with Advance and AdvanceTo
// and every callback that falls due runs on the calling goroutine.
type FakeEventScheduler struct {
	mu  sync.Mutex
	now time.Time
	q   queue
}

// NewFakeEventScheduler starts the fake clock at start.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{now: start, q: newQueue("fake-ev-")}
}

func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeEventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.push(at, f)
}

func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	s.q.cancel(id)
	s.mu.Unlock()
}

func (s *FakeEventScheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.next()
}

func (s *FakeEventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.pending()
}

func (s *FakeEventScheduler) RunDue() {
	for {
		s.mu.Lock()
		e := s.q.popDue(s.now)
		s.mu.Unlock()
		if e == nil {
			return
		}
		if e.f != nil {
			e.f()
		}
	}
}

// AdvanceTo steps the clock to t one event time at a time, so each callback
// sees Now equal to its own scheduled time. The clock never moves backwards.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	for {
		next, ok := s.Next()
		if !ok || next.After(t) {
			break
		}
		s.setNow(next)
		s.RunDue()
	}
	s.setNow(t)
	s.RunDue()
}

// Advance moves the clock forward by d.
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

func (s *FakeEventScheduler) setNow(t time.Time) {
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t
	}
	s.mu.Unlock()
}
