package station

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
)

// ErrSlotOverlap is returned when stations*slot exceeds the cycle length.
var ErrSlotOverlap = errors.New("slots overlap: stations * slot duration exceeds cycle length")

// RepeatPolicy selects how a station re-arms after each data packet.
type RepeatPolicy int

const (
	// SlotInCycle sends at the station's slot in the next cycle, with
	// cycles aligned to a common epoch.
	SlotInCycle RepeatPolicy = iota
	// FixedGap sends one cycle length after the previous send.
	FixedGap
)

func (p RepeatPolicy) String() string {
	switch p {
	case SlotInCycle:
		return "slot-in-cycle"
	case FixedGap:
		return "fixed-gap"
	default:
		return fmt.Sprintf("RepeatPolicy(%d)", int(p))
	}
}

// ParseRepeatPolicy parses "slot-in-cycle" (or "") and "fixed-gap".
func ParseRepeatPolicy(s string) (RepeatPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "slot-in-cycle", "slot_in_cycle":
		return SlotInCycle, nil
	case "fixed-gap", "fixed_gap":
		return FixedGap, nil
	default:
		return 0, fmt.Errorf("unknown repeat policy %q", s)
	}
}

// CheckSlotBudget reports ErrSlotOverlap if stations slots of the given
// width do not fit in one cycle.
func CheckSlotBudget(stations int, slot, cycle time.Duration) error {
	if stations < 0 {
		return fmt.Errorf("station count must be >= 0, got %d", stations)
	}
	if time.Duration(stations)*slot > cycle {
		return fmt.Errorf("%w: %d * %v > %v", ErrSlotOverlap, stations, slot, cycle)
	}
	return nil
}

// CycleController maps identifiers onto slots of a repeating cycle.
// Identifier k owns the slot starting k*Slot into every cycle.
type CycleController struct {
	Epoch time.Time
	Cycle time.Duration
	Slot  time.Duration
}

func (c CycleController) Validate() error {
	if c.Slot <= 0 {
		return fmt.Errorf("slot duration must be > 0, got %v", c.Slot)
	}
	if c.Cycle <= 0 {
		return fmt.Errorf("cycle length must be > 0, got %v", c.Cycle)
	}
	return nil
}

// SlotOffset returns the offset of id's slot from the start of a cycle.
func (c CycleController) SlotOffset(id uint32) time.Duration {
	return time.Duration(id) * c.Slot
}

// NextSlot returns the earliest start of id's slot strictly after t.
func (c CycleController) NextSlot(id uint32, t time.Time) time.Time {
	offset := c.SlotOffset(id)
	d := t.Sub(c.Epoch) - offset
	n := floorDiv(d, c.Cycle) + 1
	return c.Epoch.Add(time.Duration(n)*c.Cycle + offset)
}

func floorDiv(a, b time.Duration) int64 {
	q := int64(a / b)
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// SlotScheduler sends a station's data packets: the first at
// now+SlotOffset(id), then one per cycle according to the repeat policy.
type SlotScheduler struct {
	sched  events.EventScheduler
	cycle  CycleController
	policy RepeatPolicy
	id     uint32
	total  int
	send   func()

	timer   timer
	sent    int
	first   time.Time
	last    time.Time
	started bool
}

// NewSlotScheduler returns a scheduler that calls send packetsToSend times.
func NewSlotScheduler(sched events.EventScheduler, cycle CycleController, policy RepeatPolicy, id uint32, packetsToSend int, send func()) *SlotScheduler {
	return &SlotScheduler{
		sched:  sched,
		cycle:  cycle,
		policy: policy,
		id:     id,
		total:  packetsToSend,
		send:   send,
		timer:  timer{sched: sched},
	}
}

// Start schedules the first send. Later calls are no-ops.
func (s *SlotScheduler) Start() {
	if s.started {
		return
	}
	s.started = true
	if s.total <= 0 {
		return
	}
	s.first = s.sched.Now().Add(s.cycle.SlotOffset(s.id))
	s.timer.arm(s.first, s.fire)
}

// Stop cancels the pending send, if any. It is idempotent.
func (s *SlotScheduler) Stop() {
	s.timer.stop()
}

func (s *SlotScheduler) fire() {
	s.last = s.sched.Now()
	s.sent++
	if s.send != nil {
		s.send()
	}
	if s.sent < s.total {
		s.timer.arm(s.next(), s.fire)
	}
}

func (s *SlotScheduler) next() time.Time {
	if s.policy == FixedGap {
		return s.last.Add(s.cycle.Cycle)
	}
	return s.cycle.NextSlot(s.id, s.last)
}

// FirstSend returns when the first packet is (or was) due.
func (s *SlotScheduler) FirstSend() time.Time { return s.first }

// Sent returns the number of packets sent so far.
func (s *SlotScheduler) Sent() int { return s.sent }

// Done reports whether every packet has been sent.
func (s *SlotScheduler) Done() bool { return s.sent >= s.total }

// Pending reports whether a send is armed.
func (s *SlotScheduler) Pending() bool { return s.timer.pending() }

// timer holds at most one live scheduled event. Arming cancels the
// previous event first.
type timer struct {
	sched events.EventScheduler
	id    string
}

func (t *timer) arm(at time.Time, f func()) {
	t.stop()
	var id string
	id = t.sched.Schedule(at, func() {
		if t.id == id {
			t.id = ""
		}
		f()
	})
	t.id = id
}

func (t *timer) stop() {
	if t.id != "" {
		t.sched.Cancel(t.id)
		t.id = ""
	}
}

func (t *timer) pending() bool { return t.id != "" }
