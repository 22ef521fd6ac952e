package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/tdma-simulator/timectrl"
)

// fakeClock is a minimal test-only implementation of SimClock for scheduler tests.
type fakeClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *fakeClock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestEventScheduler_SingleEvent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	sched := NewEventScheduler(clock)

	var counter int
	t1 := start.Add(10 * time.Second)

	id := sched.Schedule(t1, func() {
		counter++
	})
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	sched.RunDue()
	if counter != 0 {
		t.Fatalf("expected counter=0 before time advance, got %d", counter)
	}

	clock.AdvanceTo(t1)
	sched.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after advance, got %d", counter)
	}

	sched.RunDue()
	if counter != 1 {
		t.Fatalf("event ran twice, counter=%d", counter)
	}
}

func TestEventScheduler_TiesRunInInsertionOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	sched := NewEventScheduler(clock)

	var order []string
	at := start.Add(time.Second)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		sched.Schedule(at, func() { order = append(order, name) })
	}
	sched.Schedule(start.Add(500*time.Millisecond), func() { order = append(order, "early") })

	clock.AdvanceTo(at)
	sched.RunDue()

	want := []string{"early", "a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEventScheduler_CancelAndNext(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	sched := NewEventScheduler(clock)

	ran := false
	first := sched.Schedule(start.Add(time.Second), func() { ran = true })
	sched.Schedule(start.Add(2*time.Second), func() {})

	if got := sched.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}

	sched.Cancel(first)
	sched.Cancel(first)
	sched.Cancel("unknown")

	next, ok := sched.Next()
	if !ok || !next.Equal(start.Add(2*time.Second)) {
		t.Fatalf("Next() = %v, %v; want +2s, true", next, ok)
	}
	if got := sched.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	clock.AdvanceTo(start.Add(3 * time.Second))
	sched.RunDue()
	if ran {
		t.Fatalf("cancelled event ran")
	}
	if _, ok := sched.Next(); ok {
		t.Fatalf("Next() reported an event after all ran")
	}
}

func TestEventScheduler_CallbackSchedulesAtSameInstant(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	sched := NewEventScheduler(clock)

	var order []int
	Post(sched, func() {
		order = append(order, 1)
		Post(sched, func() { order = append(order, 2) })
	})
	sched.RunDue()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestRunUntil_JumpsBetweenEvents(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Millisecond, timectrl.Discrete)
	sched := NewEventScheduler(tc)

	var seen []time.Duration
	record := func() { seen = append(seen, sched.Now().Sub(start)) }

	After(sched, 10*time.Millisecond, func() {
		record()
		After(sched, 20*time.Millisecond, record)
	})
	After(sched, 5*time.Second, record)

	if err := RunUntil(context.Background(), tc, sched, start.Add(time.Second)); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}

	if len(seen) != 2 || seen[0] != 10*time.Millisecond || seen[1] != 30*time.Millisecond {
		t.Fatalf("seen = %v, want [10ms 30ms]", seen)
	}
	if got := tc.Now(); !got.Equal(start.Add(time.Second)) {
		t.Fatalf("controller left at %v, want end of run", got)
	}
	if got := sched.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want the +5s event still queued", got)
	}
}

func TestRunUntil_StopsOnCancelledContext(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Millisecond, timectrl.Discrete)
	sched := NewEventScheduler(tc)
	After(sched, time.Second, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := RunUntil(ctx, tc, sched, start.Add(time.Minute)); err == nil {
		t.Fatalf("RunUntil returned nil error for cancelled context")
	}
}
