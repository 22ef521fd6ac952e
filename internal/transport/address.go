package transport

import (
	"fmt"
	"net/netip"
)

const (
	DefaultControlPort = 9996
	DefaultDataPort    = 9998
)

// AddressPlan assigns addresses inside one prefix. Host 1 is the
// coordinator; station ordinal i gets host i+2.
type AddressPlan struct {
	Prefix netip.Prefix
	Port   uint16
}

// DefaultControlPlan is 192.168.0.0/21 on port 9996.
func DefaultControlPlan() AddressPlan {
	return AddressPlan{Prefix: netip.MustParsePrefix("192.168.0.0/21"), Port: DefaultControlPort}
}

// DefaultDataPlan is 10.1.0.0/21 on port 9998.
func DefaultDataPlan() AddressPlan {
	return AddressPlan{Prefix: netip.MustParsePrefix("10.1.0.0/21"), Port: DefaultDataPort}
}

// Capacity returns the number of usable host addresses in the plan.
func (p AddressPlan) Capacity() int {
	bits := p.Prefix.Addr().BitLen() - p.Prefix.Bits()
	if bits >= 31 {
		return 1<<31 - 2
	}
	return 1<<bits - 2
}

// Host returns host number n (1-based) in the plan.
func (p AddressPlan) Host(n int) (netip.AddrPort, error) {
	if !p.Prefix.IsValid() || !p.Prefix.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("address plan %v: only IPv4 prefixes are supported", p.Prefix)
	}
	if n < 1 || n > p.Capacity() {
		return netip.AddrPort{}, fmt.Errorf("%w: host %d not in %v", ErrPlanExhausted, n, p.Prefix)
	}
	base := p.Prefix.Masked().Addr().As4()
	v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	v += uint32(n)
	addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	return netip.AddrPortFrom(addr, p.Port), nil
}

// Coordinator returns the coordinator's address in the plan.
func (p AddressPlan) Coordinator() (netip.AddrPort, error) {
	return p.Host(1)
}

// Station returns the address for the station with the given 0-based ordinal.
func (p AddressPlan) Station(ordinal int) (netip.AddrPort, error) {
	return p.Host(ordinal + 2)
}
