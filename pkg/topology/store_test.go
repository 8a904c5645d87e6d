package topology

import (
	"net"
	"testing"

	"otscope/pkg/enrich"
	oterrors "otscope/pkg/errors"
	"otscope/pkg/protocols"
	"otscope/pkg/types"
)

func newTestStore() *Store {
	return NewStore(enrich.NewOUIOracle(""), enrich.NewGeoIPOracle(""), 0)
}

func packet(srcIP, dstIP string, srcPort, dstPort uint16, ts int64) *types.DecodedPacket {
	srcMAC, _ := net.ParseMAC("00:80:f4:00:00:01")
	dstMAC, _ := net.ParseMAC("00:0e:8c:00:00:02")
	return &types.DecodedPacket{
		TimestampMicros: ts,
		SrcMAC:          srcMAC,
		DstMAC:          dstMAC,
		SrcIP:           net.ParseIP(srcIP),
		DstIP:           net.ParseIP(dstIP),
		L4:              types.TransportTCP,
		SrcPort:         srcPort,
		DstPort:         dstPort,
		WireSize:        100,
		Origin:          "test.pcap",
	}
}

func portHit(p protocols.IcsProtocol) protocols.Classification {
	return protocols.Classification{Protocol: p, Confidence: protocols.ConfidencePort}
}

func TestConnectionAndAssetUpsert(t *testing.T) {
	s := newTestStore()

	s.Ingest(packet("10.0.0.5", "10.0.0.10", 51000, 502, 1000), portHit(protocols.Modbus), false, nil)

	conns := s.Connections()
	if len(conns) != 1 {
		t.Fatalf("connections = %d, want 1", len(conns))
	}
	c := conns[0]
	if c.SrcIP != "10.0.0.5" || c.DstIP != "10.0.0.10" || c.Protocol != "modbus" {
		t.Errorf("unexpected connection: %+v", c)
	}
	if c.PacketCount != 1 || c.ByteCount != 100 || c.Bidirectional {
		t.Errorf("counters wrong: %+v", c)
	}
	if len(c.OriginFiles) != 1 || c.OriginFiles[0] != "test.pcap" {
		t.Errorf("origin files: %v", c.OriginFiles)
	}
	if c.FirstSeen > c.LastSeen {
		t.Error("first_seen must not exceed last_seen")
	}

	assets := s.Assets()
	if len(assets) != 2 {
		t.Fatalf("assets = %d, want 2", len(assets))
	}
	for _, a := range assets {
		if a.PacketCount != 1 {
			t.Errorf("asset %s packet count = %d", a.IP, a.PacketCount)
		}
		if a.DeviceType != types.DeviceUnknown {
			t.Errorf("asset %s device type = %s", a.IP, a.DeviceType)
		}
	}
	if assets[0].Subnet != "10.0.0.0/24" {
		t.Errorf("subnet = %q", assets[0].Subnet)
	}

	// Both connection endpoints resolve to assets.
	for _, ip := range []string{c.SrcIP, c.DstIP} {
		if _, err := s.Asset(ip); err != nil {
			t.Errorf("endpoint %s has no asset: %v", ip, err)
		}
	}
}

func TestReverseDirectionSameEdge(t *testing.T) {
	s := newTestStore()

	s.Ingest(packet("10.0.0.5", "10.0.0.10", 51000, 502, 1000), portHit(protocols.Modbus), false, nil)
	s.Ingest(packet("10.0.0.10", "10.0.0.5", 502, 51000, 2000), portHit(protocols.Modbus), false, nil)

	conns := s.Connections()
	if len(conns) != 1 {
		t.Fatalf("reverse traffic must collapse onto one edge, got %d", len(conns))
	}
	c := conns[0]
	if !c.Bidirectional || c.PacketCount != 2 {
		t.Errorf("bidirectional edge wrong: %+v", c)
	}
	// First-seen direction preserved.
	if c.SrcIP != "10.0.0.5" {
		t.Errorf("src_ip = %s, want first-seen direction", c.SrcIP)
	}
}

func TestProtocolMonotonicity(t *testing.T) {
	s := newTestStore()
	pkt := func(ts int64) *types.DecodedPacket { return packet("10.0.0.5", "10.0.0.10", 51000, 502, ts) }

	// Port-only first.
	s.Ingest(pkt(1000), portHit(protocols.Modbus), false, nil)
	c := s.Connections()[0]
	if c.Protocol != "modbus" || c.ProtocolState != types.StatePortHit {
		t.Fatalf("after port hit: %s/%s", c.Protocol, c.ProtocolState)
	}

	// Deep-confirmed MBAP.
	s.Ingest(pkt(2000), protocols.Classification{Protocol: protocols.Modbus, Confidence: protocols.ConfidenceShape}, true, nil)
	c = s.Connections()[0]
	if c.ProtocolState != types.StateDeepConfirmed {
		t.Fatalf("after deep parse: state = %s", c.ProtocolState)
	}

	// A later unknown-classified packet must not downgrade.
	s.Ingest(pkt(3000), protocols.Classification{Protocol: protocols.Unknown}, false, nil)
	c = s.Connections()[0]
	if c.Protocol != "modbus" || c.ProtocolState != types.StateDeepConfirmed {
		t.Errorf("downgrade happened: %s/%s", c.Protocol, c.ProtocolState)
	}
}

func TestBroadcastDestination(t *testing.T) {
	s := newTestStore()

	pkt := packet("10.0.0.5", "255.255.255.255", 68, 67, 1000)
	pkt.L4 = types.TransportUDP
	bcastMAC, _ := net.ParseMAC("ff:ff:ff:ff:ff:ff")
	pkt.DstMAC = bcastMAC
	s.Ingest(pkt, protocols.Classification{Protocol: protocols.Unknown}, false, nil)

	if _, conns := s.Counts(); conns != 1 {
		t.Error("broadcast traffic still creates a connection")
	}
	if _, err := s.Asset("255.255.255.255"); !oterrors.IsQueryInput(err) {
		t.Error("broadcast destination must not become an asset")
	}
	if _, err := s.Asset("10.0.0.5"); err != nil {
		t.Errorf("unicast source must become an asset: %v", err)
	}
}

func TestSignatureMerging(t *testing.T) {
	s := newTestStore()
	pkt := packet("10.0.0.10", "10.0.0.5", 502, 51000, 1000)

	low := types.SignatureMatch{Name: "port-hint", Confidence: 1, Role: types.RoleSlave}
	s.Ingest(pkt, portHit(protocols.Modbus), false, []types.SignatureMatch{low})

	// Slave-role metadata lands on the server-side endpoint.
	a, err := s.Asset("10.0.0.10")
	if err != nil {
		t.Fatal(err)
	}
	if a.Confidence != 1 || len(a.SignatureMatches) != 1 {
		t.Fatalf("after first match: %+v", a)
	}
	if a.DeviceType != types.DevicePLC {
		t.Errorf("slave hit should make the asset a PLC candidate, got %s", a.DeviceType)
	}

	// Same name, higher confidence replaces; different name appends.
	high := types.SignatureMatch{Name: "port-hint", Confidence: 3, Vendor: "Schneider Electric", Role: types.RoleSlave}
	other := types.SignatureMatch{Name: "payload-hint", Confidence: 2, ProductFamily: "Modicon", Role: types.RoleSlave}
	s.Ingest(pkt, portHit(protocols.Modbus), false, []types.SignatureMatch{high, other})

	a, _ = s.Asset("10.0.0.10")
	if len(a.SignatureMatches) != 2 {
		t.Fatalf("matches = %d, want 2", len(a.SignatureMatches))
	}
	if a.Confidence != 3 {
		t.Errorf("confidence = %d, want max of matches", a.Confidence)
	}
	if a.SignatureMatches[0].Confidence < a.SignatureMatches[1].Confidence {
		t.Error("matches must be ordered by confidence descending")
	}
	if a.Vendor != "Schneider Electric" || a.ProductFamily != "Modicon" {
		t.Errorf("vendor/product: %q/%q", a.Vendor, a.ProductFamily)
	}

	// The confidence invariant holds for every asset.
	for _, asset := range s.Assets() {
		max := 0
		for _, m := range asset.SignatureMatches {
			if m.Confidence > max {
				max = m.Confidence
			}
		}
		if asset.Confidence != max {
			t.Errorf("asset %s: confidence %d != max match %d", asset.IP, asset.Confidence, max)
		}
	}
}

func TestOrderIndependentAggregation(t *testing.T) {
	batchA := []*types.DecodedPacket{
		packet("10.0.0.5", "10.0.0.10", 51000, 502, 1000),
		packet("10.0.0.5", "10.0.0.10", 51000, 502, 3000),
	}
	batchB := []*types.DecodedPacket{
		packet("10.0.0.10", "10.0.0.5", 502, 51000, 2000),
		packet("192.168.1.1", "10.0.0.10", 40000, 20000, 1500),
	}

	run := func(batches ...[]*types.DecodedPacket) *Store {
		s := newTestStore()
		for _, batch := range batches {
			for _, pkt := range batch {
				s.Ingest(pkt, portHit(protocols.Modbus), false, nil)
			}
		}
		return s
	}

	ab := run(batchA, batchB)
	ba := run(batchB, batchA)

	abAssets, baAssets := ab.Assets(), ba.Assets()
	if len(abAssets) != len(baAssets) {
		t.Fatalf("asset counts differ: %d vs %d", len(abAssets), len(baAssets))
	}
	abByIP := make(map[string]*types.Asset)
	for _, a := range abAssets {
		abByIP[a.IP] = a
	}
	for _, b := range baAssets {
		a, ok := abByIP[b.IP]
		if !ok {
			t.Fatalf("asset %s missing from A-then-B import", b.IP)
		}
		if a.PacketCount != b.PacketCount {
			t.Errorf("%s: packet counts differ %d vs %d", b.IP, a.PacketCount, b.PacketCount)
		}
		if a.FirstSeen != b.FirstSeen || a.LastSeen != b.LastSeen {
			t.Errorf("%s: seen range differs (%s-%s vs %s-%s)", b.IP, a.FirstSeen, a.LastSeen, b.FirstSeen, b.LastSeen)
		}
	}

	abConns, baConns := ab.Connections(), ba.Connections()
	if len(abConns) != len(baConns) {
		t.Fatalf("connection counts differ: %d vs %d", len(abConns), len(baConns))
	}
	abConnByID := make(map[string]*types.Connection)
	for _, c := range abConns {
		abConnByID[c.ID] = c
	}
	for _, c := range baConns {
		other, ok := abConnByID[c.ID]
		if !ok {
			t.Fatalf("connection %s missing", c.ID)
		}
		if other.PacketCount != c.PacketCount || other.ByteCount != c.ByteCount {
			t.Errorf("%s: counters differ", c.ID)
		}
		if other.FirstSeen != c.FirstSeen || other.LastSeen != c.LastSeen {
			t.Errorf("%s: first/last differ", c.ID)
		}
	}
}

func TestPacketCountInvariant(t *testing.T) {
	s := newTestStore()
	total := 5
	for i := 0; i < total; i++ {
		s.Ingest(packet("10.0.0.5", "10.0.0.10", 51000, 502, int64(i)), portHit(protocols.Modbus), false, nil)
	}

	var assetSum uint64
	for _, a := range s.Assets() {
		assetSum += a.PacketCount
	}
	if assetSum != uint64(2*total) {
		t.Errorf("sum of asset packet counts = %d, want %d", assetSum, 2*total)
	}
	for _, c := range s.Connections() {
		if c.PacketCount < 1 {
			t.Error("connection packet count must be at least 1")
		}
	}
}

func TestConnectionPacketBufferBounded(t *testing.T) {
	s := NewStore(enrich.NewOUIOracle(""), enrich.NewGeoIPOracle(""), 10)
	for i := 0; i < 25; i++ {
		s.Ingest(packet("10.0.0.5", "10.0.0.10", 51000, 502, int64(i)), portHit(protocols.Modbus), false, nil)
	}

	id := s.Connections()[0].ID
	packets, err := s.ConnectionPackets(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 10 {
		t.Fatalf("buffer length = %d, want capped at 10", len(packets))
	}
	// FIFO eviction keeps the newest packets.
	if packets[len(packets)-1].TimestampMicros != 24 {
		t.Errorf("newest retained timestamp = %d", packets[len(packets)-1].TimestampMicros)
	}

	if _, err := s.ConnectionPackets("nonsuch"); !oterrors.IsQueryInput(err) {
		t.Error("unknown connection id must be a query-input error")
	}
}

func TestProtocolStats(t *testing.T) {
	s := newTestStore()
	s.Ingest(packet("10.0.0.5", "10.0.0.10", 51000, 502, 1000), portHit(protocols.Modbus), false, nil)
	s.Ingest(packet("192.168.1.1", "192.168.1.2", 40000, 20000, 2000), portHit(protocols.DNP3), false, nil)

	stats := s.ProtocolStats()
	byName := make(map[string]types.ProtocolStats)
	for _, st := range stats {
		byName[st.Protocol] = st
	}
	if byName["modbus"].Packets != 1 || byName["modbus"].Connections != 1 || byName["modbus"].Devices != 2 {
		t.Errorf("modbus stats: %+v", byName["modbus"])
	}
	if byName["dnp3"].Bytes != 100 {
		t.Errorf("dnp3 stats: %+v", byName["dnp3"])
	}
}

func TestQueryInputErrors(t *testing.T) {
	s := newTestStore()
	if _, err := s.Asset("not-an-ip"); !oterrors.IsQueryInput(err) {
		t.Error("malformed IP must return a query-input error")
	}
	if _, err := s.DeepParseInfo("10.9.9.9"); !oterrors.IsQueryInput(err) {
		t.Error("unknown deep-parse IP must return a query-input error")
	}
}
