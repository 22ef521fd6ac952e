package events

import (
	"context"
	"time"

	"github.com/signalsfoundry/tdma-simulator/timectrl"
)

// RunUntil drives a discrete-event simulation: it jumps the controller to
// the next scheduled event, runs everything due, and repeats until no event
// is left before end. The controller is left at end. ctx is checked between
// instants so a long run can be abandoned.
func RunUntil(ctx context.Context, tc *timectrl.TimeController, s EventScheduler, end time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, ok := s.Next()
		if !ok || next.After(end) {
			break
		}
		tc.SetTime(next)
		s.RunDue()
	}
	tc.SetTime(end)
	s.RunDue()
	return nil
}

// DriveRealTime runs due events on every tick of a RealTime or Accelerated
// controller until ctx is done. It blocks; callbacks run on the calling
// goroutine.
func DriveRealTime(ctx context.Context, tc *timectrl.TimeController, s EventScheduler) {
	ticks := make(chan struct{}, 1)
	tc.AddListener(func(time.Time) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	done := tc.Start(ctx, 0)
	for {
		select {
		case <-done:
			s.RunDue()
			return
		case <-ticks:
			s.RunDue()
		}
	}
}
