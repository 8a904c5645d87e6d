package decode

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"otscope/pkg/types"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tcpFrame(t *testing.T, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x80, 0xF4, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x0E, 0x8C, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 0, 0, 5}, DstIP: net.IP{10, 0, 0, 10},
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 502, SYN: false, ACK: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

func TestDecodeTCPv4(t *testing.T) {
	var counts Counters
	d := NewDecoder(&counts)

	payload := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	frame := tcpFrame(t, payload)

	pkt := d.Decode(frame, 1234, "test.pcap")
	if pkt == nil {
		t.Fatal("decoder rejected a valid frame")
	}
	if pkt.Version != types.IPv4 || pkt.L4 != types.TransportTCP {
		t.Errorf("layers wrong: v%d %s", pkt.Version, pkt.L4)
	}
	if pkt.SrcIP.String() != "10.0.0.5" || pkt.DstIP.String() != "10.0.0.10" {
		t.Errorf("addresses: %s -> %s", pkt.SrcIP, pkt.DstIP)
	}
	if pkt.SrcPort != 51000 || pkt.DstPort != 502 {
		t.Errorf("ports: %d -> %d", pkt.SrcPort, pkt.DstPort)
	}
	if string(pkt.Payload) != string(payload) {
		t.Error("payload slice does not match")
	}
	if pkt.VLANID != -1 {
		t.Errorf("untagged frame has VLAN id %d", pkt.VLANID)
	}
	if pkt.TimestampMicros != 1234 || pkt.Origin != "test.pcap" {
		t.Errorf("metadata: ts=%d origin=%q", pkt.TimestampMicros, pkt.Origin)
	}
	if pkt.WireSize != len(frame) {
		t.Errorf("wire size = %d, want %d", pkt.WireSize, len(frame))
	}
}

func TestDecodeVLAN(t *testing.T) {
	var counts Counters
	d := NewDecoder(&counts)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x80, 0xF4, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x0E, 0x8C, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeDot1Q,
	}
	dot1q := &layers.Dot1Q{VLANIdentifier: 42, Type: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{192, 168, 1, 1}, DstIP: net.IP{192, 168, 1, 2}}
	udp := &layers.UDP{SrcPort: 50000, DstPort: 47808}
	udp.SetNetworkLayerForChecksum(ip)

	pkt := d.Decode(serialize(t, eth, dot1q, ip, udp, gopacket.Payload([]byte{0x81})), 0, "x")
	if pkt == nil {
		t.Fatal("decoder rejected a tagged frame")
	}
	if pkt.VLANID != 42 {
		t.Errorf("vlan = %d, want 42", pkt.VLANID)
	}
	if pkt.L4 != types.TransportUDP || pkt.DstPort != 47808 {
		t.Errorf("udp decode wrong: %s %d", pkt.L4, pkt.DstPort)
	}
	if d.EtherType() != uint16(layers.EthernetTypeIPv4) {
		t.Errorf("ether type past the tag = 0x%04x", d.EtherType())
	}
}

func TestDecodeIPv6(t *testing.T) {
	var counts Counters
	d := NewDecoder(&counts)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x80, 0xF4, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x0E, 0x8C, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
		SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2")}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 20000, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip6)

	pkt := d.Decode(serialize(t, eth, ip6, tcp, gopacket.Payload([]byte{0x05, 0x64})), 0, "x")
	if pkt == nil {
		t.Fatal("decoder rejected an IPv6 frame")
	}
	if pkt.Version != types.IPv6 || pkt.SrcIP.String() != "2001:db8::1" {
		t.Errorf("v6 decode wrong: v%d %s", pkt.Version, pkt.SrcIP)
	}
}

func TestDecodeNonIPCounted(t *testing.T) {
	var counts Counters
	d := NewDecoder(&counts)

	arp := serialize(t, &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x80, 0xF4, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		EthernetType: layers.EthernetTypeARP,
	}, gopacket.Payload(make([]byte, 28)))

	if pkt := d.Decode(arp, 0, "x"); pkt != nil {
		t.Fatal("non-IP frame must not flow down the pipeline")
	}
	if counts.NonIP.Load() != 1 {
		t.Errorf("non-IP counter = %d, want 1", counts.NonIP.Load())
	}
}

func TestDecodeFragmentsAttributedToFlow(t *testing.T) {
	var counts Counters
	d := NewDecoder(&counts)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x80, 0xF4, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x0E, 0x8C, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}

	// First fragment: MF set, UDP header present.
	first := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		Id: 7, Flags: layers.IPv4MoreFragments,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: 50000, DstPort: 20000}
	udp.SetNetworkLayerForChecksum(first)

	pkt := d.Decode(serialize(t, eth, first, udp, gopacket.Payload(make([]byte, 16))), 0, "x")
	if pkt == nil {
		t.Fatal("first fragment rejected")
	}
	if pkt.L4 != types.TransportUDP || pkt.SrcPort != 50000 || pkt.DstPort != 20000 {
		t.Fatalf("first fragment L4 = %s %d->%d, want udp 50000->20000", pkt.L4, pkt.SrcPort, pkt.DstPort)
	}

	// Later fragment: same identification, offset past the first.
	later := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		Id: 7, FragOffset: 3,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
	}
	pkt = d.Decode(serialize(t, eth, later, gopacket.Payload(make([]byte, 16))), 0, "x")
	if pkt == nil {
		t.Fatal("later fragment rejected")
	}
	if pkt.L4 != types.TransportUDP || pkt.SrcPort != 50000 || pkt.DstPort != 20000 {
		t.Errorf("later fragment not attributed to its flow: %s %d->%d", pkt.L4, pkt.SrcPort, pkt.DstPort)
	}
	if pkt.Payload != nil {
		t.Error("later fragment payload must not flow downstream")
	}
	if counts.LaterFragments.Load() != 1 {
		t.Errorf("later-fragment counter = %d, want 1", counts.LaterFragments.Load())
	}

	// An orphan later fragment with no recorded first fragment stays an
	// L3-only record.
	orphan := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		Id: 99, FragOffset: 3,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
	}
	pkt = d.Decode(serialize(t, eth, orphan, gopacket.Payload(make([]byte, 16))), 0, "x")
	if pkt == nil || pkt.L4 != types.TransportOther || pkt.HasPorts() {
		t.Errorf("orphan fragment must stay portless: %+v", pkt)
	}
}

func TestDecodeMalformed(t *testing.T) {
	var counts Counters
	d := NewDecoder(&counts)

	if pkt := d.Decode([]byte{0x01, 0x02, 0x03}, 0, "x"); pkt != nil {
		t.Fatal("malformed frame must be skipped")
	}
	if counts.Malformed.Load() != 1 {
		t.Errorf("malformed counter = %d, want 1", counts.Malformed.Load())
	}
	if counts.Frames.Load() != 1 {
		t.Errorf("frame counter = %d, want 1", counts.Frames.Load())
	}
}
