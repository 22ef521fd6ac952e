package transport

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
)

var (
	apAddr   = netip.MustParseAddrPort("10.1.0.1:9998")
	staAddr1 = netip.MustParseAddrPort("10.1.0.2:9998")
	staAddr2 = netip.MustParseAddrPort("10.1.0.3:9998")
)

// 8 Mb/s makes one byte take exactly one microsecond of airtime.
func testMediumConfig() MediumConfig {
	return MediumConfig{
		DataRate:         8e6,
		PropagationDelay: time.Microsecond,
		AssociationDelay: time.Millisecond,
		Seed:             7,
	}
}

func newTestMedium(t *testing.T, cfg MediumConfig, rec observability.Recorder) (*events.FakeEventScheduler, *Medium) {
	t.Helper()
	sched := events.NewFakeEventScheduler(time.Unix(0, 0))
	m, err := NewMedium(sched, cfg, WithRecorder(rec))
	if err != nil {
		t.Fatalf("NewMedium: %v", err)
	}
	return sched, m
}

func mustEndpoint(t *testing.T, m *Medium, ch Channel, addr netip.AddrPort) *SimEndpoint {
	t.Helper()
	ep, err := m.NewEndpoint(ch, addr)
	if err != nil {
		t.Fatalf("NewEndpoint(%s): %v", addr, err)
	}
	return ep
}

func TestMediumDeliversAfterAirtimeAndPropagation(t *testing.T) {
	sched, m := newTestMedium(t, testMediumConfig(), nil)
	start := sched.Now()

	ap := mustEndpoint(t, m, DataChannel, apAddr)
	sta := mustEndpoint(t, m, DataChannel, staAddr1)

	var got []Datagram
	var at time.Time
	ap.SetReceiveHandler(func(dg Datagram) {
		got = append(got, dg)
		at = sched.Now()
	})

	if err := sta.SendTo(apAddr, make([]byte, 72)); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	sched.Advance(time.Millisecond)

	if len(got) != 1 {
		t.Fatalf("delivered %d datagrams, want 1", len(got))
	}
	if want := start.Add(101 * time.Microsecond); !at.Equal(want) {
		t.Fatalf("delivered at %v, want %v", at.Sub(start), want.Sub(start))
	}
	if got[0].Src != staAddr1 || got[0].Channel != DataChannel || len(got[0].Payload) != 72 {
		t.Fatalf("unexpected datagram: %+v", got[0])
	}
	if m.DeliveredAt(DataChannel, apAddr) != 1 {
		t.Fatalf("DeliveredAt = %d, want 1", m.DeliveredAt(DataChannel, apAddr))
	}
}

func TestMediumOverlappingFramesCollide(t *testing.T) {
	counters := observability.NewCounters()
	sched, m := newTestMedium(t, testMediumConfig(), counters)

	ap := mustEndpoint(t, m, DataChannel, apAddr)
	sta1 := mustEndpoint(t, m, DataChannel, staAddr1)
	sta2 := mustEndpoint(t, m, DataChannel, staAddr2)

	received := 0
	ap.SetReceiveHandler(func(Datagram) { received++ })

	_ = sta1.SendTo(apAddr, make([]byte, 200))
	sched.Advance(50 * time.Microsecond)
	_ = sta2.SendTo(apAddr, make([]byte, 200))
	sched.Advance(time.Millisecond)

	if received != 0 {
		t.Fatalf("received %d frames, want 0 (collision)", received)
	}
	if got := m.DropsAt(DataChannel, apAddr); got != 2 {
		t.Fatalf("DropsAt = %d, want 2", got)
	}
	if got := counters.Snapshot().Drops["data"]; got != 2 {
		t.Fatalf("recorder data drops = %d, want 2", got)
	}
}

func TestMediumBackToBackFramesDoNotCollide(t *testing.T) {
	sched, m := newTestMedium(t, testMediumConfig(), nil)

	ap := mustEndpoint(t, m, DataChannel, apAddr)
	sta1 := mustEndpoint(t, m, DataChannel, staAddr1)
	sta2 := mustEndpoint(t, m, DataChannel, staAddr2)

	received := 0
	ap.SetReceiveHandler(func(Datagram) { received++ })

	_ = sta1.SendTo(apAddr, make([]byte, 72))
	sched.Advance(100 * time.Microsecond) // exactly the first frame's airtime
	_ = sta2.SendTo(apAddr, make([]byte, 72))
	sched.Advance(time.Millisecond)

	if received != 2 || m.Drops(DataChannel) != 0 {
		t.Fatalf("received=%d drops=%d, want 2 and 0", received, m.Drops(DataChannel))
	}
}

func TestMediumChannelsAreIndependent(t *testing.T) {
	sched, m := newTestMedium(t, testMediumConfig(), nil)

	ctrlAP := mustEndpoint(t, m, ControlChannel, netip.MustParseAddrPort("192.168.0.1:9996"))
	ctrlSta := mustEndpoint(t, m, ControlChannel, netip.MustParseAddrPort("192.168.0.2:9996"))
	dataAP := mustEndpoint(t, m, DataChannel, apAddr)
	dataSta := mustEndpoint(t, m, DataChannel, staAddr1)

	received := 0
	ctrlAP.SetReceiveHandler(func(Datagram) { received++ })
	dataAP.SetReceiveHandler(func(Datagram) { received++ })

	_ = ctrlSta.SendTo(ctrlAP.LocalAddr(), make([]byte, 64))
	_ = dataSta.SendTo(dataAP.LocalAddr(), make([]byte, 200))
	sched.Advance(time.Millisecond)

	if received != 2 {
		t.Fatalf("received %d, want 2: frames on different channels must not collide", received)
	}
}

func TestMediumLossProbability(t *testing.T) {
	cfg := testMediumConfig()
	cfg.LossProbability = 1
	counters := observability.NewCounters()
	sched, m := newTestMedium(t, cfg, counters)

	ap := mustEndpoint(t, m, ControlChannel, apAddr)
	sta := mustEndpoint(t, m, ControlChannel, staAddr1)
	ap.SetReceiveHandler(func(Datagram) { t.Fatalf("frame delivered despite loss probability 1") })

	_ = sta.SendTo(apAddr, []byte("x"))
	sched.Advance(time.Millisecond)

	if m.DropsAt(ControlChannel, apAddr) != 1 || counters.Snapshot().Drops["control"] != 1 {
		t.Fatalf("expected one control drop")
	}
}

func TestMediumUnknownDestinationIsDropped(t *testing.T) {
	sched, m := newTestMedium(t, testMediumConfig(), nil)
	sta := mustEndpoint(t, m, DataChannel, staAddr1)

	_ = sta.SendTo(apAddr, []byte("x"))
	sched.Advance(time.Millisecond)

	if got := m.DropsAt(DataChannel, apAddr); got != 1 {
		t.Fatalf("DropsAt = %d, want 1", got)
	}
}

func TestMediumRejectsDuplicateBind(t *testing.T) {
	_, m := newTestMedium(t, testMediumConfig(), nil)
	mustEndpoint(t, m, DataChannel, apAddr)
	if _, err := m.NewEndpoint(DataChannel, apAddr); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("second bind error = %v, want ErrAddressInUse", err)
	}
	if _, err := m.NewEndpoint(ControlChannel, apAddr); err != nil {
		t.Fatalf("same address on another channel should bind: %v", err)
	}
}

func TestLinkComesUpAfterAssociationDelay(t *testing.T) {
	sched, m := newTestMedium(t, testMediumConfig(), nil)
	start := sched.Now()

	mustEndpoint(t, m, ControlChannel, apAddr)
	sta := mustEndpoint(t, m, ControlChannel, staAddr1)
	link := m.NewLink(sta)

	if err := sta.SendTo(apAddr, []byte("x")); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("SendTo before link-up error = %v, want ErrLinkDown", err)
	}

	var upAt time.Time
	calls := 0
	link.SetLinkUpCallback(ControlChannel, func() {
		calls++
		upAt = sched.Now()
	})
	if err := link.EnableProbing(ControlChannel); err != nil {
		t.Fatalf("EnableProbing: %v", err)
	}
	_ = link.EnableProbing(ControlChannel) // second call is a no-op
	sched.Advance(10 * time.Millisecond)

	if calls != 1 {
		t.Fatalf("link-up callback ran %d times, want 1", calls)
	}
	if want := start.Add(time.Millisecond); !upAt.Equal(want) {
		t.Fatalf("link up at %v, want %v", upAt.Sub(start), time.Millisecond)
	}
	if err := sta.SendTo(apAddr, []byte("x")); err != nil {
		t.Fatalf("SendTo after link-up: %v", err)
	}
	if err := link.EnableProbing(DataChannel); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("EnableProbing(data) error = %v, want ErrUnknownChannel", err)
	}
}

func TestClosedEndpoint(t *testing.T) {
	sched, m := newTestMedium(t, testMediumConfig(), nil)
	ap := mustEndpoint(t, m, DataChannel, apAddr)
	sta := mustEndpoint(t, m, DataChannel, staAddr1)

	_ = sta.SendTo(apAddr, []byte("in flight"))
	if err := ap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ap.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	sched.Advance(time.Millisecond)

	if got := m.DropsAt(DataChannel, apAddr); got != 1 {
		t.Fatalf("frame to closed endpoint: drops = %d, want 1", got)
	}
	if err := ap.SendTo(staAddr1, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendTo after Close error = %v, want ErrClosed", err)
	}
	if _, err := m.NewEndpoint(DataChannel, apAddr); err != nil {
		t.Fatalf("rebinding a closed address: %v", err)
	}
}

func TestAirtime(t *testing.T) {
	cfg := MediumConfig{DataRate: 6e6}
	// (200+28)*8 bits at 6 Mb/s = 304us.
	if got := cfg.Airtime(200); got != 304*time.Microsecond {
		t.Fatalf("Airtime(200) = %v, want 304us", got)
	}
	if got := (MediumConfig{}).Airtime(200); got != 0 {
		t.Fatalf("Airtime with zero rate = %v, want 0", got)
	}
	if err := (MediumConfig{LossProbability: 2}).Validate(); err == nil {
		t.Fatalf("expected validation error for loss probability 2")
	}
}
