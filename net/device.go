// Device abstracts the Ethernet NIC a cluster node sends/receives the
// protocol's frames over. Framing uses gopacket/layers, grounded on
// gravwell-gravwell's use of gopacket for frame construction/decode.
package net

import (
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EtherType tags a frame as belonging to this protocol rather than IP,
// ARP, or anything a real NIC also carries.
const EtherType = layers.EthernetType(0x8911)

// Device is the minimal interface net needs from a NIC: frame in, frame
// out, addressed by MAC. NewLink below implements it over a raw link-layer
// connection such as the socket OpenRawSocket opens; tests use an
// in-memory loopback pair.
type Device interface {
	LocalAddr() [6]byte
	WriteFrame(dst [6]byte, payload []byte) error
	ReadFrame() (src [6]byte, payload []byte, err error)
}

// link wraps a raw packet-oriented connection (a pcap handle, an
// AF_PACKET socket via golang.org/x/sys/unix, or any io.ReadWriter
// carrying whole Ethernet frames) and does the gopacket framing.
type link struct {
	self   [6]byte
	broad  [6]byte
	conn   io.ReadWriter
	mtu    int
}

// NewLink builds a Device over conn, an already-open raw link-layer
// connection. self is this node's MAC address.
func NewLink(conn io.ReadWriter, self [6]byte) Device {
	return &link{
		self:  self,
		broad: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		conn:  conn,
		mtu:   1500,
	}
}

func (l *link) LocalAddr() [6]byte { return l.self }

func (l *link) WriteFrame(dst [6]byte, payload []byte) error {
	eth := layers.Ethernet{
		SrcMAC:       l.self[:],
		DstMAC:       dst[:],
		EthernetType: EtherType,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("net: serialize frame: %w", err)
	}
	_, err := l.conn.Write(buf.Bytes())
	return err
}

func (l *link) ReadFrame() ([6]byte, []byte, error) {
	raw := make([]byte, l.mtu+14)
	n, err := l.conn.Read(raw)
	if err != nil {
		return [6]byte{}, nil, err
	}
	pkt := gopacket.NewPacket(raw[:n], layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return [6]byte{}, nil, fmt.Errorf("net: frame missing ethernet layer")
	}
	eth := ethLayer.(*layers.Ethernet)
	if eth.EthernetType != EtherType {
		return [6]byte{}, nil, fmt.Errorf("net: unexpected ethertype %v", eth.EthernetType)
	}
	var src [6]byte
	copy(src[:], eth.SrcMAC)
	return src, append([]byte(nil), eth.Payload...), nil
}
