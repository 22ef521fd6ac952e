package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/signalsfoundry/tdma-simulator/internal/events"
	"github.com/signalsfoundry/tdma-simulator/internal/logging"
)

const maxUDPPayload = 65535

// UDPEndpoint is an Endpoint over a real UDP socket. A reader goroutine
// posts each received datagram onto the event scheduler, so handlers run on
// the event loop like simulated deliveries do.
type UDPEndpoint struct {
	conn  *net.UDPConn
	ch    Channel
	sched events.EventScheduler
	log   logging.Logger
	taps  []Tap

	mu      sync.Mutex
	handler Handler
	closed  bool

	done chan struct{}
}

// ListenUDP binds addr (host:port) for channel ch and starts the reader.
func ListenUDP(ch Channel, addr string, sched events.EventScheduler, log logging.Logger, taps ...Tap) (*UDPEndpoint, error) {
	if log == nil {
		log = logging.Noop()
	}
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	e := &UDPEndpoint{
		conn:  conn,
		ch:    ch,
		sched: sched,
		log:   log.With(logging.String("channel", ch.String()), logging.String("local", conn.LocalAddr().String())),
		done:  make(chan struct{}),
	}
	for _, t := range taps {
		if t != nil {
			e.taps = append(e.taps, t)
		}
	}
	go e.readLoop()
	return e, nil
}

func (e *UDPEndpoint) LocalAddr() netip.AddrPort {
	ap := e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (e *UDPEndpoint) Channel() Channel { return e.ch }

func (e *UDPEndpoint) SendTo(dst netip.AddrPort, payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if _, err := e.conn.WriteToUDPAddrPort(payload, dst); err != nil {
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	e.capture(Datagram{Src: e.LocalAddr(), Dst: dst, Channel: e.ch, Payload: payload, SentAt: e.sched.Now()})
	return nil
}

func (e *UDPEndpoint) SetReceiveHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Close stops the reader and closes the socket. It is idempotent.
func (e *UDPEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.handler = nil
	e.mu.Unlock()

	err := e.conn.Close()
	<-e.done
	return err
}

func (e *UDPEndpoint) readLoop() {
	defer close(e.done)

	buf := make([]byte, maxUDPPayload)
	for {
		n, src, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warn(context.Background(), "udp read failed", logging.Err(err))
			continue
		}

		dg := Datagram{
			Src:     netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
			Dst:     e.LocalAddr(),
			Channel: e.ch,
			Payload: append([]byte(nil), buf[:n]...),
		}
		events.Post(e.sched, func() {
			dg.SentAt = e.sched.Now()
			e.mu.Lock()
			h := e.handler
			e.mu.Unlock()
			if h != nil {
				h(dg)
			}
		})
	}
}

func (e *UDPEndpoint) capture(dg Datagram) {
	for _, t := range e.taps {
		if err := t.Capture(dg); err != nil {
			e.log.Warn(context.Background(), "tap capture failed", logging.Err(err))
		}
	}
}

// ImmediateLink is the LinkLayer for live sockets: a bound UDP socket is
// usable at once, so link-up is posted to the event loop immediately.
type ImmediateLink struct {
	sched events.EventScheduler

	mu        sync.Mutex
	callbacks map[Channel]func()
}

// NewImmediateLink returns an ImmediateLink posting on sched.
func NewImmediateLink(sched events.EventScheduler) *ImmediateLink {
	return &ImmediateLink{sched: sched, callbacks: make(map[Channel]func())}
}

func (l *ImmediateLink) EnableProbing(ch Channel) error {
	events.Post(l.sched, func() {
		l.mu.Lock()
		fn := l.callbacks[ch]
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return nil
}

func (l *ImmediateLink) SetLinkUpCallback(ch Channel, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil {
		delete(l.callbacks, ch)
		return
	}
	l.callbacks[ch] = fn
}
