package station

import (
	"errors"
	"net/netip"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/transport"
)

var (
	coordAddr = netip.MustParseAddrPort("192.168.0.1:9996")
	sinkAddr  = netip.MustParseAddrPort("192.168.0.1:9998")
)

type sentPacket struct {
	at      time.Time
	dst     netip.AddrPort
	payload []byte
}

// fakeEndpoint records sends and lets tests inject received datagrams.
type fakeEndpoint struct {
	sched   events.EventScheduler
	addr    netip.AddrPort
	ch      transport.Channel
	handler transport.Handler
	sent    []sentPacket
	closes  int
}

func newFakeEndpoint(sched events.EventScheduler, ch transport.Channel, addr string) *fakeEndpoint {
	return &fakeEndpoint{sched: sched, ch: ch, addr: netip.MustParseAddrPort(addr)}
}

func (e *fakeEndpoint) LocalAddr() netip.AddrPort  { return e.addr }
func (e *fakeEndpoint) Channel() transport.Channel { return e.ch }

func (e *fakeEndpoint) SendTo(dst netip.AddrPort, payload []byte) error {
	if e.closes > 0 {
		return errors.New("closed")
	}
	e.sent = append(e.sent, sentPacket{at: e.sched.Now(), dst: dst, payload: payload})
	return nil
}

func (e *fakeEndpoint) SetReceiveHandler(h transport.Handler) { e.handler = h }

func (e *fakeEndpoint) Close() error {
	e.closes++
	return nil
}

// deliver hands payload to the installed handler, if any.
func (e *fakeEndpoint) deliver(payload string) {
	if e.handler != nil {
		e.handler(transport.Datagram{Src: coordAddr, Dst: e.addr, Channel: e.ch, Payload: []byte(payload)})
	}
}

func (e *fakeEndpoint) sentTo(dst netip.AddrPort) []time.Time {
	var out []time.Time
	for _, p := range e.sent {
		if p.dst == dst {
			out = append(out, p.at)
		}
	}
	return out
}

// fakeLink brings a channel up delay after EnableProbing.
type fakeLink struct {
	sched     events.EventScheduler
	delay     time.Duration
	callbacks map[transport.Channel]func()
	probedAt  map[transport.Channel][]time.Time
}

func newFakeLink(sched events.EventScheduler, delay time.Duration) *fakeLink {
	return &fakeLink{
		sched:     sched,
		delay:     delay,
		callbacks: make(map[transport.Channel]func()),
		probedAt:  make(map[transport.Channel][]time.Time),
	}
}

func (l *fakeLink) EnableProbing(ch transport.Channel) error {
	l.probedAt[ch] = append(l.probedAt[ch], l.sched.Now())
	events.After(l.sched, l.delay, func() {
		if fn := l.callbacks[ch]; fn != nil {
			fn()
		}
	})
	return nil
}

func (l *fakeLink) SetLinkUpCallback(ch transport.Channel, fn func()) {
	if fn == nil {
		delete(l.callbacks, ch)
		return
	}
	l.callbacks[ch] = fn
}

type harness struct {
	sched   *events.FakeEventScheduler
	start   time.Time
	control *fakeEndpoint
	data    *fakeEndpoint
	link    *fakeLink
}

func newHarness() *harness {
	start := time.Unix(1000, 0)
	sched := events.NewFakeEventScheduler(start)
	return &harness{
		sched:   sched,
		start:   start,
		control: newFakeEndpoint(sched, transport.ControlChannel, "192.168.0.2:9996"),
		data:    newFakeEndpoint(sched, transport.DataChannel, "10.1.0.2:9998"),
		link:    newFakeLink(sched, 0),
	}
}

func (h *harness) config() Config {
	cfg := DefaultConfig()
	cfg.CoordinatorAddr = coordAddr
	cfg.SinkAddr = sinkAddr
	cfg.Epoch = h.start
	return cfg
}

func (h *harness) at(d time.Duration) time.Time { return h.start.Add(d) }

func offsets(start time.Time, ts []time.Time) []time.Duration {
	out := make([]time.Duration, len(ts))
	for i, t := range ts {
		out[i] = t.Sub(start)
	}
	return out
}
