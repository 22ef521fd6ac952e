package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
)

func TestUDPEndpointPostsOntoScheduler(t *testing.T) {
	sched := events.NewFakeEventScheduler(time.Unix(0, 0))

	rx, err := ListenUDP(ControlChannel, "127.0.0.1:0", sched, nil)
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	defer rx.Close()
	tx, err := ListenUDP(ControlChannel, "127.0.0.1:0", sched, nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer tx.Close()

	var got []Datagram
	rx.SetReceiveHandler(func(dg Datagram) { got = append(got, dg) })

	if err := tx.SendTo(rx.LocalAddr(), []byte("42")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sched.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("datagram was never posted to the scheduler")
		}
		time.Sleep(time.Millisecond)
	}
	if len(got) != 0 {
		t.Fatalf("handler ran before the event loop did")
	}
	sched.RunDue()

	if len(got) != 1 || string(got[0].Payload) != "42" {
		t.Fatalf("received %+v, want one datagram \"42\"", got)
	}
	if got[0].Src != tx.LocalAddr() {
		t.Fatalf("source = %s, want %s", got[0].Src, tx.LocalAddr())
	}
}

func TestUDPEndpointCloseIsIdempotent(t *testing.T) {
	sched := events.NewFakeEventScheduler(time.Unix(0, 0))
	ep, err := ListenUDP(DataChannel, "127.0.0.1:0", sched, nil)
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ep.SendTo(ep.LocalAddr(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendTo after Close error = %v, want ErrClosed", err)
	}
}

func TestImmediateLinkPostsLinkUp(t *testing.T) {
	sched := events.NewFakeEventScheduler(time.Unix(0, 0))
	link := NewImmediateLink(sched)

	up := 0
	link.SetLinkUpCallback(ControlChannel, func() { up++ })
	if err := link.EnableProbing(ControlChannel); err != nil {
		t.Fatalf("EnableProbing: %v", err)
	}
	if up != 0 {
		t.Fatalf("link-up ran synchronously")
	}
	sched.RunDue()
	if up != 1 {
		t.Fatalf("link-up callback ran %d times, want 1", up)
	}
}
