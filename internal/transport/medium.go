package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
	"github.com/signalsfoundry/tdma-simulator/internal/observability"
)

// IPv4 and UDP header bytes counted toward airtime.
const headerOverhead = 28

const (
	DefaultDataRate         = 6e6
	DefaultPropagationDelay = time.Microsecond
	DefaultAssociationDelay = 2 * time.Millisecond
)

// MediumConfig describes the shared channel model.
type MediumConfig struct {
	// DataRate in bits per second. Each frame occupies its channel for
	// (payload+headers)*8/DataRate; 0 makes frames instantaneous and
	// collision-free.
	DataRate         float64
	PropagationDelay time.Duration
	// LossProbability is the independent chance a collision-free frame is
	// still lost.
	LossProbability float64
	// AssociationDelay is the time from EnableProbing to link-up, plus a
	// uniform jitter in [0, AssociationJitter).
	AssociationDelay  time.Duration
	AssociationJitter time.Duration
	Seed              uint64
}

// DefaultMediumConfig returns a lossless 6 Mb/s medium.
func DefaultMediumConfig() MediumConfig {
	return MediumConfig{
		DataRate:         DefaultDataRate,
		PropagationDelay: DefaultPropagationDelay,
		AssociationDelay: DefaultAssociationDelay,
		Seed:             1,
	}
}

// Validate checks the medium parameters.
func (c MediumConfig) Validate() error {
	if c.DataRate < 0 {
		return fmt.Errorf("medium: data rate must be >= 0, got %v", c.DataRate)
	}
	if c.LossProbability < 0 || c.LossProbability > 1 {
		return fmt.Errorf("medium: loss probability must be in [0,1], got %v", c.LossProbability)
	}
	if c.PropagationDelay < 0 || c.AssociationDelay < 0 || c.AssociationJitter < 0 {
		return fmt.Errorf("medium: delays must be >= 0")
	}
	return nil
}

// Airtime returns how long a payload of n bytes occupies the channel.
func (c MediumConfig) Airtime(n int) time.Duration {
	if c.DataRate <= 0 {
		return 0
	}
	bits := float64(n+headerOverhead) * 8
	return time.Duration(math.Round(bits * float64(time.Second) / c.DataRate))
}

// Medium is a simulated shared radio medium. Frames transmitted on the same
// channel whose airtimes overlap collide and are both lost. All callbacks
// run on the event scheduler the medium was built with.
type Medium struct {
	sched events.EventScheduler
	cfg   MediumConfig
	rec   observability.Recorder
	log   logging.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	taps     []Tap
	channels map[Channel]*channelState
}

type channelState struct {
	endpoints map[netip.AddrPort]*SimEndpoint
	inFlight  []*frame
	drops     map[netip.AddrPort]uint64
	delivered map[netip.AddrPort]uint64
}

type frame struct {
	dg       Datagram
	end      time.Time
	collided bool
}

// MediumOption customises a Medium.
type MediumOption func(*Medium)

// WithRecorder reports drops to rec.
func WithRecorder(rec observability.Recorder) MediumOption {
	return func(m *Medium) {
		if rec != nil {
			m.rec = rec
		}
	}
}

// WithLogger sets the medium's logger.
func WithLogger(log logging.Logger) MediumOption {
	return func(m *Medium) {
		if log != nil {
			m.log = log
		}
	}
}

// WithTap adds a tap that sees every transmitted frame.
func WithTap(t Tap) MediumOption {
	return func(m *Medium) {
		if t != nil {
			m.taps = append(m.taps, t)
		}
	}
}

// NewMedium builds a medium on sched.
func NewMedium(sched events.EventScheduler, cfg MediumConfig, opts ...MediumOption) (*Medium, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Medium{
		sched:    sched,
		cfg:      cfg,
		rec:      observability.Nop(),
		log:      logging.Noop(),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		channels: make(map[Channel]*channelState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the medium parameters.
func (m *Medium) Config() MediumConfig { return m.cfg }

func (m *Medium) channelLocked(ch Channel) *channelState {
	cs, ok := m.channels[ch]
	if !ok {
		cs = &channelState{
			endpoints: make(map[netip.AddrPort]*SimEndpoint),
			drops:     make(map[netip.AddrPort]uint64),
			delivered: make(map[netip.AddrPort]uint64),
		}
		m.channels[ch] = cs
	}
	return cs
}

// NewEndpoint binds addr on ch. The endpoint's link is up; use NewLink for
// endpoints that must associate first.
func (m *Medium) NewEndpoint(ch Channel, addr netip.AddrPort) (*SimEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.channelLocked(ch)
	if _, exists := cs.endpoints[addr]; exists {
		return nil, fmt.Errorf("%w: %s on %s", ErrAddressInUse, addr, ch)
	}
	ep := &SimEndpoint{m: m, ch: ch, addr: addr, up: true}
	cs.endpoints[addr] = ep
	return ep, nil
}

// DropsAt returns the number of frames addressed to addr on ch that were lost.
func (m *Medium) DropsAt(ch Channel, addr netip.AddrPort) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.channels[ch]; ok {
		return cs.drops[addr]
	}
	return 0
}

// DeliveredAt returns the number of frames delivered to addr on ch.
func (m *Medium) DeliveredAt(ch Channel, addr netip.AddrPort) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.channels[ch]; ok {
		return cs.delivered[addr]
	}
	return 0
}

// Drops returns the total number of lost frames on ch.
func (m *Medium) Drops(ch Channel) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	if cs, ok := m.channels[ch]; ok {
		for _, n := range cs.drops {
			total += n
		}
	}
	return total
}

func (m *Medium) transmit(src *SimEndpoint, dst netip.AddrPort, payload []byte) {
	now := m.sched.Now()
	dg := Datagram{
		Src:     src.addr,
		Dst:     dst,
		Channel: src.ch,
		Payload: append([]byte(nil), payload...),
		SentAt:  now,
	}
	f := &frame{dg: dg, end: now.Add(m.cfg.Airtime(len(payload)))}

	m.mu.Lock()
	cs := m.channelLocked(src.ch)
	live := cs.inFlight[:0]
	for _, other := range cs.inFlight {
		if !other.end.After(now) {
			continue
		}
		live = append(live, other)
		if f.end.After(now) {
			other.collided = true
			f.collided = true
		}
	}
	for i := len(live); i < len(cs.inFlight); i++ {
		cs.inFlight[i] = nil
	}
	cs.inFlight = append(live, f)
	taps := m.taps
	m.mu.Unlock()

	for _, t := range taps {
		if err := t.Capture(dg); err != nil {
			m.log.Warn(context.Background(), "tap capture failed", logging.Err(err))
		}
	}

	m.sched.Schedule(f.end.Add(m.cfg.PropagationDelay), func() { m.deliver(f) })
}

func (m *Medium) deliver(f *frame) {
	dg := f.dg

	m.mu.Lock()
	cs := m.channelLocked(dg.Channel)
	reason := ""
	dst, ok := cs.endpoints[dg.Dst]
	switch {
	case f.collided:
		reason = observability.DropCollision
	case !ok:
		reason = observability.DropNoEndpoint
	case !dst.up:
		reason = observability.DropLinkDown
	case m.cfg.LossProbability > 0 && m.rng.Float64() < m.cfg.LossProbability:
		reason = observability.DropLoss
	}
	if reason != "" {
		cs.drops[dg.Dst]++
		m.mu.Unlock()
		m.rec.Dropped(dg.Channel.String(), reason)
		m.log.Debug(context.Background(), "frame dropped",
			logging.String("channel", dg.Channel.String()),
			logging.String("src", dg.Src.String()),
			logging.String("dst", dg.Dst.String()),
			logging.String("reason", reason),
		)
		return
	}
	cs.delivered[dg.Dst]++
	h := dst.handler
	m.mu.Unlock()

	if h != nil {
		h(dg)
	}
}

func (m *Medium) associationDelay() time.Duration {
	d := m.cfg.AssociationDelay
	if m.cfg.AssociationJitter > 0 {
		m.mu.Lock()
		d += time.Duration(m.rng.Int64N(int64(m.cfg.AssociationJitter)))
		m.mu.Unlock()
	}
	return d
}

func (m *Medium) unbind(ep *SimEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.channelLocked(ep.ch)
	if cs.endpoints[ep.addr] == ep {
		delete(cs.endpoints, ep.addr)
	}
}

// SimEndpoint is an endpoint attached to a Medium.
type SimEndpoint struct {
	m    *Medium
	ch   Channel
	addr netip.AddrPort

	// guarded by m.mu
	handler Handler
	up      bool
	closed  bool
}

func (e *SimEndpoint) LocalAddr() netip.AddrPort { return e.addr }
func (e *SimEndpoint) Channel() Channel          { return e.ch }

func (e *SimEndpoint) SendTo(dst netip.AddrPort, payload []byte) error {
	e.m.mu.Lock()
	closed, up := e.closed, e.up
	e.m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !up {
		return fmt.Errorf("%w: %s on %s", ErrLinkDown, e.addr, e.ch)
	}
	e.m.transmit(e, dst, payload)
	return nil
}

func (e *SimEndpoint) SetReceiveHandler(h Handler) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.handler = h
}

// Close detaches the endpoint. Frames still in flight to it are dropped.
func (e *SimEndpoint) Close() error {
	e.m.mu.Lock()
	if e.closed {
		e.m.mu.Unlock()
		return nil
	}
	e.closed = true
	e.handler = nil
	e.m.mu.Unlock()

	e.m.unbind(e)
	return nil
}

// NewLink groups endpoints that belong to one station. The endpoints start
// with their link down; EnableProbing brings a channel up after the
// medium's association delay.
func (m *Medium) NewLink(endpoints ...*SimEndpoint) LinkLayer {
	l := &simLink{
		m:         m,
		endpoints: make(map[Channel]*SimEndpoint, len(endpoints)),
		callbacks: make(map[Channel]func()),
		probing:   make(map[Channel]bool),
	}
	m.mu.Lock()
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		ep.up = false
		l.endpoints[ep.ch] = ep
	}
	m.mu.Unlock()
	return l
}

type simLink struct {
	m *Medium

	mu        sync.Mutex
	endpoints map[Channel]*SimEndpoint
	callbacks map[Channel]func()
	probing   map[Channel]bool
}

func (l *simLink) EnableProbing(ch Channel) error {
	l.mu.Lock()
	ep, ok := l.endpoints[ch]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	if l.probing[ch] {
		l.mu.Unlock()
		return nil
	}
	l.probing[ch] = true
	l.mu.Unlock()

	events.After(l.m.sched, l.m.associationDelay(), func() {
		l.m.mu.Lock()
		if ep.closed {
			l.m.mu.Unlock()
			return
		}
		ep.up = true
		l.m.mu.Unlock()

		l.mu.Lock()
		fn := l.callbacks[ch]
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return nil
}

func (l *simLink) SetLinkUpCallback(ch Channel, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil {
		delete(l.callbacks, ch)
		return
	}
	l.callbacks[ch] = fn
}
