// Package decode turns raw L2 frames into DecodedPacket records. It
// understands Ethernet II, single-tag 802.1Q, IPv4, IPv6, TCP and UDP;
// everything else is recorded at the layer it stopped at.
package decode

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"otscope/pkg/types"
)

// Counters tracks decoder failure modes. The decoder never fails the
// pipeline; malformed frames increment a counter and are skipped.
type Counters struct {
	Frames          atomic.Uint64
	Malformed       atomic.Uint64
	UnknownEtherTyp atomic.Uint64
	NonIP           atomic.Uint64
	LaterFragments  atomic.Uint64
}

// fragTableCap bounds the first-fragment flow table; oldest entries are
// evicted first.
const fragTableCap = 256

// fragKey identifies an IPv4 fragment set.
type fragKey struct {
	srcIP string
	dstIP string
	id    uint16
}

// fragFlow remembers the L4 header of a fragment set's first fragment so
// later fragments can be attributed to the same flow.
type fragFlow struct {
	l4      types.Transport
	srcPort uint16
	dstPort uint16
}

// Decoder parses frames with a reusable gopacket DecodingLayerParser.
// A Decoder is not safe for concurrent use; each pipeline worker owns one.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	ip4    layers.IPv4
	ip6    layers.IPv6
	tcp    layers.TCP
	udp    layers.UDP
	icmp4  layers.ICMPv4
	icmp6  layers.ICMPv6
	counts *Counters

	fragFlows map[fragKey]fragFlow
	fragOrder []fragKey
}

// NewDecoder creates a decoder sharing the given counter block.
func NewDecoder(counts *Counters) *Decoder {
	d := &Decoder{
		counts:    counts,
		decoded:   make([]gopacket.LayerType, 0, 8),
		fragFlows: make(map[fragKey]fragFlow),
	}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth, &d.dot1q, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.icmp4, &d.icmp6,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

func (d *Decoder) rememberFragFlow(key fragKey, flow fragFlow) {
	if _, exists := d.fragFlows[key]; !exists {
		if len(d.fragOrder) == fragTableCap {
			delete(d.fragFlows, d.fragOrder[0])
			d.fragOrder = d.fragOrder[1:]
		}
		d.fragOrder = append(d.fragOrder, key)
	}
	d.fragFlows[key] = flow
}

// EtherType returns the EtherType of the last decoded frame, past any
// VLAN tag.
func (d *Decoder) EtherType() uint16 {
	for _, lt := range d.decoded {
		if lt == layers.LayerTypeDot1Q {
			return uint16(d.dot1q.Type)
		}
	}
	return uint16(d.eth.EthernetType)
}

// Decode parses one frame. It returns nil when the frame should not flow
// further down the pipeline (non-IP or malformed). A later IPv4 fragment
// is returned with a nil payload, so it only contributes to byte counts.
func (d *Decoder) Decode(data []byte, timestampMicros int64, origin string) *types.DecodedPacket {
	d.counts.Frames.Add(1)

	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		if _, unsupported := err.(gopacket.UnsupportedLayerType); !unsupported {
			d.counts.Malformed.Add(1)
			return nil
		}
	}

	pkt := &types.DecodedPacket{
		TimestampMicros: timestampMicros,
		VLANID:          -1,
		L4:              types.TransportOther,
		WireSize:        len(data),
		Origin:          origin,
	}

	sawEthernet := false
	sawIP := false
	firstFragment := true
	moreFragments := false
	var ipID uint16

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			sawEthernet = true
			pkt.SrcMAC = append(pkt.SrcMAC[:0], d.eth.SrcMAC...)
			pkt.DstMAC = append(pkt.DstMAC[:0], d.eth.DstMAC...)
		case layers.LayerTypeDot1Q:
			pkt.VLANID = int(d.dot1q.VLANIdentifier)
		case layers.LayerTypeIPv4:
			sawIP = true
			pkt.Version = types.IPv4
			pkt.SrcIP = append(pkt.SrcIP[:0], d.ip4.SrcIP...)
			pkt.DstIP = append(pkt.DstIP[:0], d.ip4.DstIP...)
			pkt.IPProto = uint8(d.ip4.Protocol)
			ipID = d.ip4.Id
			moreFragments = d.ip4.Flags&layers.IPv4MoreFragments != 0
			if d.ip4.FragOffset > 0 {
				firstFragment = false
			}
		case layers.LayerTypeIPv6:
			sawIP = true
			pkt.Version = types.IPv6
			pkt.SrcIP = append(pkt.SrcIP[:0], d.ip6.SrcIP...)
			pkt.DstIP = append(pkt.DstIP[:0], d.ip6.DstIP...)
			pkt.IPProto = uint8(d.ip6.NextHeader)
		case layers.LayerTypeTCP:
			pkt.L4 = types.TransportTCP
			pkt.SrcPort = uint16(d.tcp.SrcPort)
			pkt.DstPort = uint16(d.tcp.DstPort)
			pkt.Payload = d.tcp.Payload
		case layers.LayerTypeUDP:
			pkt.L4 = types.TransportUDP
			pkt.SrcPort = uint16(d.udp.SrcPort)
			pkt.DstPort = uint16(d.udp.DstPort)
			pkt.Payload = d.udp.Payload
		case layers.LayerTypeICMPv4, layers.LayerTypeICMPv6:
			pkt.L4 = types.TransportICMP
		}
	}

	if !sawEthernet {
		d.counts.Malformed.Add(1)
		return nil
	}
	if !sawIP {
		// Non-IP EtherTypes are counted but not processed further.
		d.counts.UnknownEtherTyp.Add(1)
		d.counts.NonIP.Add(1)
		return nil
	}
	if firstFragment && moreFragments && pkt.L4 == types.TransportOther {
		// gopacket defers transport decoding on fragmented packets, but
		// the first fragment still carries the L4 header. Recover it so
		// the flow gets its ports.
		d.recoverFragmentL4(pkt)
	}

	if !firstFragment {
		// Later fragments carry no L4 header. Attribute them to the flow
		// the first fragment established so their bytes land on the same
		// connection; the payload never flows downstream.
		d.counts.LaterFragments.Add(1)
		key := fragKey{srcIP: pkt.SrcIP.String(), dstIP: pkt.DstIP.String(), id: ipID}
		if flow, ok := d.fragFlows[key]; ok {
			pkt.L4 = flow.l4
			pkt.SrcPort, pkt.DstPort = flow.srcPort, flow.dstPort
		} else {
			pkt.L4 = types.TransportOther
			pkt.SrcPort, pkt.DstPort = 0, 0
		}
		pkt.Payload = nil
		return pkt
	}

	if moreFragments && pkt.HasPorts() {
		key := fragKey{srcIP: pkt.SrcIP.String(), dstIP: pkt.DstIP.String(), id: ipID}
		d.rememberFragFlow(key, fragFlow{l4: pkt.L4, srcPort: pkt.SrcPort, dstPort: pkt.DstPort})
	}

	return pkt
}

// recoverFragmentL4 parses the transport header out of the first
// fragment's IP payload.
func (d *Decoder) recoverFragmentL4(pkt *types.DecodedPacket) {
	p := d.ip4.Payload
	switch layers.IPProtocol(pkt.IPProto) {
	case layers.IPProtocolTCP:
		if len(p) < 20 {
			return
		}
		pkt.L4 = types.TransportTCP
		pkt.SrcPort = binary.BigEndian.Uint16(p[0:2])
		pkt.DstPort = binary.BigEndian.Uint16(p[2:4])
		if off := int(p[12]>>4) * 4; off >= 20 && off <= len(p) {
			pkt.Payload = p[off:]
		}
	case layers.IPProtocolUDP:
		if len(p) < 8 {
			return
		}
		pkt.L4 = types.TransportUDP
		pkt.SrcPort = binary.BigEndian.Uint16(p[0:2])
		pkt.DstPort = binary.BigEndian.Uint16(p[2:4])
		pkt.Payload = p[8:]
	}
}
