package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 65536

// PcapTap writes every captured datagram as a raw IPv4/UDP packet to a
// pcap stream, timestamped with the datagram's send time.
type PcapTap struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	ipID   uint16
}

// NewPcapTap writes the pcap file header to w.
func NewPcapTap(w io.Writer) (*PcapTap, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	t := &PcapTap{w: pw}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t, nil
}

// CreatePcapFile creates path and returns a tap writing to it.
func CreatePcapFile(path string) (*PcapTap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap %s: %w", path, err)
	}
	t, err := NewPcapTap(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Capture implements Tap.
func (t *PcapTap) Capture(dg Datagram) error {
	if !dg.Src.Addr().Is4() || !dg.Dst.Addr().Is4() {
		return fmt.Errorf("pcap: only IPv4 datagrams are captured, got %s -> %s", dg.Src, dg.Dst)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.ipID++
	src, dst := dg.Src.Addr().As4(), dg.Dst.Addr().As4()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       t.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src[:]),
		DstIP:    net.IP(dst[:]),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(dg.Src.Port()),
		DstPort: layers.UDPPort(dg.Dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("pcap: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(dg.Payload)); err != nil {
		return fmt.Errorf("pcap: serialize: %w", err)
	}

	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     dg.SentAt,
		CaptureLength: len(data),
		Length:        len(data),
	}
	return t.w.WritePacket(ci, data)
}

// Close closes the underlying writer if it is a Closer.
func (t *PcapTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closer == nil {
		return nil
	}
	err := t.closer.Close()
	t.closer = nil
	return err
}
