package types

import "net"

// Transport identifies the L4 carrier of a decoded frame.
type Transport string

const (
	TransportTCP   Transport = "tcp"
	TransportUDP   Transport = "udp"
	TransportICMP  Transport = "icmp"
	TransportOther Transport = "other"
)

// IPVersion distinguishes the decoded L3 header.
type IPVersion int

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// DecodedPacket is the immutable per-frame record produced by the L2-L4
// decoder. Payload is a sub-slice of the backing frame bytes; consumers
// must not retain it past the frame's lifetime unless they copy it.
type DecodedPacket struct {
	TimestampMicros int64

	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
	VLANID int // -1 when untagged

	Version  IPVersion
	SrcIP    net.IP
	DstIP    net.IP
	IPProto  uint8
	L4       Transport
	SrcPort  uint16
	DstPort  uint16
	Payload  []byte
	WireSize int

	// Origin is the file basename for offline frames or "live:<iface>"
	// for captured ones.
	Origin string
}

// HasPorts reports whether the packet carries TCP or UDP port information.
func (p *DecodedPacket) HasPorts() bool {
	return p.L4 == TransportTCP || p.L4 == TransportUDP
}

// BroadcastDst reports whether the frame targets a broadcast or multicast
// destination. Such endpoints are counted on connections but never become
// assets.
func (p *DecodedPacket) BroadcastDst() bool {
	if p.DstIP != nil {
		if p.DstIP.Equal(net.IPv4bcast) || p.DstIP.IsMulticast() {
			return true
		}
	}
	if len(p.DstMAC) == 6 {
		bcast := true
		for _, b := range p.DstMAC {
			if b != 0xFF {
				bcast = false
				break
			}
		}
		if bcast {
			return true
		}
		// Group bit set means L2 multicast.
		if p.DstMAC[0]&0x01 != 0 {
			return true
		}
	}
	return false
}

// PacketView is the per-packet projection handed to the signature engine
// and retained in the orchestrator's recent-packet window. Unlike
// DecodedPacket it owns its payload copy.
type PacketView struct {
	TimestampMicros int64
	SrcMAC          string
	DstMAC          string
	SrcIP           string
	DstIP           string
	SrcPort         uint16
	DstPort         uint16
	Transport       Transport
	EtherType       uint16
	IPProto         uint8
	Payload         []byte
}

// ViewOf builds a PacketView from a decoded packet, copying the payload so
// the view outlives the backing frame buffer.
func ViewOf(p *DecodedPacket, etherType uint16) PacketView {
	v := PacketView{
		TimestampMicros: p.TimestampMicros,
		Transport:       p.L4,
		EtherType:       etherType,
		IPProto:         p.IPProto,
		SrcPort:         p.SrcPort,
		DstPort:         p.DstPort,
	}
	if p.SrcMAC != nil {
		v.SrcMAC = p.SrcMAC.String()
	}
	if p.DstMAC != nil {
		v.DstMAC = p.DstMAC.String()
	}
	if p.SrcIP != nil {
		v.SrcIP = p.SrcIP.String()
	}
	if p.DstIP != nil {
		v.DstIP = p.DstIP.String()
	}
	if len(p.Payload) > 0 {
		v.Payload = make([]byte, len(p.Payload))
		copy(v.Payload, p.Payload)
	}
	return v
}
