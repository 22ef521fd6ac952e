// Package transport provides the datagram endpoints stations and the
// coordinator talk through: a simulated shared medium for discrete-event
// runs and real UDP sockets for live runs. Both deliver on the event loop.
package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Channel identifies a logical radio channel.
type Channel int

const (
	// ControlChannel carries identifier requests and responses, and data
	// when a run uses a combined channel.
	ControlChannel Channel = iota
	// DataChannel carries slotted data when a run uses separate channels.
	DataChannel
)

func (c Channel) String() string {
	switch c {
	case ControlChannel:
		return "control"
	case DataChannel:
		return "data"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

var (
	ErrClosed         = errors.New("endpoint closed")
	ErrAddressInUse   = errors.New("address already bound")
	ErrLinkDown       = errors.New("link not up")
	ErrUnknownChannel = errors.New("no endpoint on channel")
	ErrPlanExhausted  = errors.New("address plan exhausted")
)

// Datagram is one payload in flight between two endpoints.
type Datagram struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Channel Channel
	Payload []byte
	SentAt  time.Time
}

// Handler receives datagrams on the event loop.
type Handler func(Datagram)

// Endpoint is a bound datagram socket on one channel.
type Endpoint interface {
	LocalAddr() netip.AddrPort
	Channel() Channel
	// SendTo transmits payload to dst. Delivery is best effort; an error
	// only reports that the frame never left this endpoint.
	SendTo(dst netip.AddrPort, payload []byte) error
	// SetReceiveHandler installs h, replacing any previous handler. A nil
	// handler discards incoming datagrams.
	SetReceiveHandler(h Handler)
	Close() error
}

// LinkLayer exposes the association primitives a station needs: enabling
// probing on a channel and learning when that channel's link comes up.
type LinkLayer interface {
	EnableProbing(ch Channel) error
	// SetLinkUpCallback installs fn for ch; nil clears it. fn runs on the
	// event loop at most once per EnableProbing.
	SetLinkUpCallback(ch Channel, fn func())
}

// Tap observes every transmitted datagram.
type Tap interface {
	Capture(dg Datagram) error
}
