package coordinator

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
	"github.com/signalsfoundry/tdma-simulator/internal/protocol"
	"github.com/signalsfoundry/tdma-simulator/internal/registry"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
)

type fixture struct {
	sched  *events.FakeEventScheduler
	medium *transport.Medium
	coord  *Coordinator
	rec    *observability.Counters
}

func newFixture(t *testing.T, cfg Config, reg *registry.IdentifierRegistry) *fixture {
	t.Helper()
	sched := events.NewFakeEventScheduler(time.Unix(0, 0))
	mcfg := transport.DefaultMediumConfig()
	mcfg.DataRate = 0
	medium, err := transport.NewMedium(sched, mcfg)
	if err != nil {
		t.Fatalf("NewMedium: %v", err)
	}
	control, err := medium.NewEndpoint(transport.ControlChannel, netip.MustParseAddrPort("192.168.0.1:9996"))
	if err != nil {
		t.Fatalf("control endpoint: %v", err)
	}
	sink, err := medium.NewEndpoint(transport.DataChannel, netip.MustParseAddrPort("10.1.0.1:9998"))
	if err != nil {
		t.Fatalf("sink endpoint: %v", err)
	}
	rec := observability.NewCounters()
	coord, err := New(cfg, control, sink, reg, WithRecorder(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	coord.Start()
	return &fixture{sched: sched, medium: medium, coord: coord, rec: rec}
}

// client binds a station-side endpoint and collects every response it gets.
func (f *fixture) client(t *testing.T, ch transport.Channel, addr string) (*transport.SimEndpoint, *[][]byte) {
	t.Helper()
	ep, err := f.medium.NewEndpoint(ch, netip.MustParseAddrPort(addr))
	if err != nil {
		t.Fatalf("client endpoint %s: %v", addr, err)
	}
	var got [][]byte
	ep.SetReceiveHandler(func(dg transport.Datagram) { got = append(got, dg.Payload) })
	return ep, &got
}

func (f *fixture) request(t *testing.T, ep *transport.SimEndpoint) {
	t.Helper()
	req, _ := protocol.NewRequest(protocol.DefaultRequestSize)
	if err := ep.SendTo(f.coord.ControlAddr(), req); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	f.sched.Advance(time.Millisecond)
}

func decode(t *testing.T, payload []byte) uint32 {
	t.Helper()
	id, err := protocol.TextCodec{}.DecodeIdentifier(payload)
	if err != nil {
		t.Fatalf("DecodeIdentifier(%q): %v", payload, err)
	}
	return id
}

func TestAssignsSmallestUnusedIdentifierInArrivalOrder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	a, gotA := f.client(t, transport.ControlChannel, "192.168.0.2:9996")
	b, gotB := f.client(t, transport.ControlChannel, "192.168.0.3:9996")

	f.request(t, a)
	f.request(t, b)

	if len(*gotA) != 1 || decode(t, (*gotA)[0]) != 1 {
		t.Fatalf("station A responses = %q, want [\"1\"]", *gotA)
	}
	if len(*gotB) != 1 || decode(t, (*gotB)[0]) != 2 {
		t.Fatalf("station B responses = %q, want [\"2\"]", *gotB)
	}
	if got := f.coord.Registry().Assigned(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Assigned() = %v, want [1 2]", got)
	}
	if st := f.coord.Stats(); st.Requests != 2 || st.Assigned != 2 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestRepeatedRequestConsumesFreshIdentifier(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	a, got := f.client(t, transport.ControlChannel, "192.168.0.2:9996")

	f.request(t, a)
	f.request(t, a)

	if len(*got) != 2 || decode(t, (*got)[0]) != 1 || decode(t, (*got)[1]) != 2 {
		t.Fatalf("responses = %q, want [\"1\" \"2\"]", *got)
	}
	if f.coord.Registry().Len() != 2 {
		t.Fatalf("registry holds %d identifiers, want 2", f.coord.Registry().Len())
	}
}

func TestStickyAnswersRepeatWithSameIdentifier(t *testing.T) {
	f := newFixture(t, Config{Sticky: true}, nil)
	a, gotA := f.client(t, transport.ControlChannel, "192.168.0.2:9996")
	b, gotB := f.client(t, transport.ControlChannel, "192.168.0.3:9996")

	f.request(t, a)
	f.request(t, a)
	f.request(t, b)

	if len(*gotA) != 2 || decode(t, (*gotA)[0]) != 1 || decode(t, (*gotA)[1]) != 1 {
		t.Fatalf("station A responses = %q, want [\"1\" \"1\"]", *gotA)
	}
	if len(*gotB) != 1 || decode(t, (*gotB)[0]) != 2 {
		t.Fatalf("station B responses = %q, want [\"2\"]", *gotB)
	}
	if snap := f.rec.Snapshot(); snap.IdentifiersHeld != 2 {
		t.Fatalf("IdentifiersHeld = %d, want 2", snap.IdentifiersHeld)
	}
}

func TestByteCodecOverflowSendsNoResponse(t *testing.T) {
	reg := registry.NewIdentifierRegistry()
	for i := 0; i < protocol.MaxByteIdentifier; i++ {
		reg.Acquire()
	}
	f := newFixture(t, Config{Codec: protocol.ByteCodec{}}, reg)
	a, got := f.client(t, transport.ControlChannel, "192.168.0.2:9996")

	f.request(t, a)

	if len(*got) != 0 {
		t.Fatalf("responses = %v, want none for identifier 256", *got)
	}
	if f.coord.Stats().Requests != 1 {
		t.Fatalf("Requests = %d, want 1", f.coord.Stats().Requests)
	}
}

func TestSinkCountsDataPackets(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ep, _ := f.client(t, transport.DataChannel, "10.1.0.2:9998")

	pkt, _ := protocol.NewDataPacket(protocol.DefaultPacketSize)
	for i := 0; i < 3; i++ {
		if err := ep.SendTo(f.coord.SinkAddr(), pkt); err != nil {
			t.Fatalf("SendTo: %v", err)
		}
		f.sched.Advance(time.Millisecond)
	}

	st := f.coord.Stats()
	if st.RxPackets != 3 || st.RxBytes != 3*protocol.DefaultPacketSize {
		t.Fatalf("Stats() = %+v, want 3 packets of %d bytes", st, protocol.DefaultPacketSize)
	}
	if snap := f.rec.Snapshot(); snap.DataReceived != 3 {
		t.Fatalf("DataReceived = %d, want 3", snap.DataReceived)
	}
}

func TestStopIsIdempotentAndUnbinds(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	a, got := f.client(t, transport.ControlChannel, "192.168.0.2:9996")

	if err := f.coord.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.coord.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	f.request(t, a)

	if len(*got) != 0 {
		t.Fatalf("stopped coordinator answered: %q", *got)
	}
	if d := f.medium.DropsAt(transport.ControlChannel, f.coord.ControlAddr()); d != 1 {
		t.Fatalf("drops at control address = %d, want 1", d)
	}
}

func TestNewRejectsMissingOrSharedEndpoints(t *testing.T) {
	sched := events.NewFakeEventScheduler(time.Unix(0, 0))
	medium, err := transport.NewMedium(sched, transport.DefaultMediumConfig())
	if err != nil {
		t.Fatalf("NewMedium: %v", err)
	}
	ep, err := medium.NewEndpoint(transport.ControlChannel, netip.MustParseAddrPort("192.168.0.1:9996"))
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	if _, err := New(Config{}, ep, nil, nil); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("nil sink error = %v, want ErrNoEndpoint", err)
	}
	if _, err := New(Config{}, ep, ep, nil); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("shared endpoint error = %v, want ErrNoEndpoint", err)
	}
}
