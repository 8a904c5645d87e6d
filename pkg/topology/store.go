// Package topology maintains the connection graph, the asset inventory
// and the deep-parse state derived from observed traffic. The store is
// the single writer target of the pipeline; queries snapshot aggregates
// under a read lock.
package topology

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"otscope/pkg/dissect"
	"otscope/pkg/enrich"
	oterrors "otscope/pkg/errors"
	"otscope/pkg/metrics"
	"otscope/pkg/protocols"
	"otscope/pkg/types"
)

// DefaultPacketBufferCap bounds the rolling per-connection packet
// summaries; oldest entries are evicted first.
const DefaultPacketBufferCap = 200

// Store is the arena for assets and connections. Cross-references go by
// key (IP, canonical 5-tuple), never by pointer.
type Store struct {
	mu sync.RWMutex

	assets     map[string]*types.Asset
	assetOrder []string

	conns     map[types.ConnectionKey]*types.Connection
	connOrder []types.ConnectionKey

	connPackets  map[string][]types.PacketSummary
	packetBufCap int

	deep *dissect.State

	oui *enrich.OUIOracle
	geo *enrich.GeoIPOracle
}

// NewStore creates an empty store wired to the given oracles. Either
// oracle may be a degraded (empty) instance.
func NewStore(oui *enrich.OUIOracle, geo *enrich.GeoIPOracle, packetBufCap int) *Store {
	if packetBufCap <= 0 {
		packetBufCap = DefaultPacketBufferCap
	}
	return &Store{
		assets:       make(map[string]*types.Asset),
		conns:        make(map[types.ConnectionKey]*types.Connection),
		connPackets:  make(map[string][]types.PacketSummary),
		packetBufCap: packetBufCap,
		deep:         dissect.NewState(),
		oui:          oui,
		geo:          geo,
	}
}

// Deep exposes the deep-parse state the store owns. Dissectors write into
// it under the ingest path.
func (s *Store) Deep() *dissect.State { return s.deep }

// protocolRank orders labels for the upgrade rule:
// unknown < IT < OT; the deep-confirmed bit is carried by ProtocolState.
func protocolRank(p protocols.IcsProtocol) int {
	switch {
	case p == protocols.Unknown:
		return 0
	case protocols.IsOT(p):
		return 2
	default:
		return 1
	}
}

// Ingest applies one decoded packet to the graph: connection upsert,
// asset upserts, signature merging and enrichment. A failed packet is a
// no-op; Ingest never corrupts existing state.
func (s *Store) Ingest(pkt *types.DecodedPacket, cls protocols.Classification, deepConfirmed bool, matches []types.SignatureMatch) {
	if pkt.SrcIP == nil || pkt.DstIP == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	srcIP := pkt.SrcIP.String()
	dstIP := pkt.DstIP.String()

	conn := s.upsertConnection(pkt, srcIP, dstIP, cls, deepConfirmed)

	broadcastDst := pkt.BroadcastDst()
	srcAsset := s.upsertAsset(pkt, srcIP, pkt.SrcMAC, string(cls.Protocol))
	var dstAsset *types.Asset
	if !broadcastDst {
		dstAsset = s.upsertAsset(pkt, dstIP, pkt.DstMAC, string(cls.Protocol))
	}

	if len(matches) > 0 {
		s.applyMatches(srcAsset, dstAsset, pkt, matches)
	}

	s.enrich(srcAsset)
	if dstAsset != nil {
		s.enrich(dstAsset)
	}

	s.recordPacket(conn, pkt, string(cls.Protocol))
}

func (s *Store) upsertConnection(pkt *types.DecodedPacket, srcIP, dstIP string, cls protocols.Classification, deepConfirmed bool) *types.Connection {
	key := types.CanonicalKey(srcIP, dstIP, pkt.SrcPort, pkt.DstPort, pkt.L4)
	conn, ok := s.conns[key]
	if !ok {
		conn = &types.Connection{
			ID:              key.String(),
			SrcIP:           srcIP,
			SrcPort:         pkt.SrcPort,
			DstIP:           dstIP,
			DstPort:         pkt.DstPort,
			Transport:       pkt.L4,
			Protocol:        string(protocols.Unknown),
			FirstSeenMicros: pkt.TimestampMicros,
			LastSeenMicros:  pkt.TimestampMicros,
		}
		if pkt.SrcMAC != nil {
			conn.SrcMAC = pkt.SrcMAC.String()
		}
		if pkt.DstMAC != nil {
			conn.DstMAC = pkt.DstMAC.String()
		}
		s.conns[key] = conn
		s.connOrder = append(s.connOrder, key)
	}

	conn.PacketCount++
	conn.ByteCount += uint64(pkt.WireSize)
	if pkt.TimestampMicros < conn.FirstSeenMicros {
		conn.FirstSeenMicros = pkt.TimestampMicros
	}
	if pkt.TimestampMicros > conn.LastSeenMicros {
		conn.LastSeenMicros = pkt.TimestampMicros
	}
	conn.FirstSeen = types.ISO8601(conn.FirstSeenMicros)
	conn.LastSeen = types.ISO8601(conn.LastSeenMicros)

	if srcIP == conn.DstIP && dstIP == conn.SrcIP {
		conn.Bidirectional = true
	}

	if pkt.Origin != "" {
		present := false
		for _, f := range conn.OriginFiles {
			if f == pkt.Origin {
				present = true
				break
			}
		}
		if !present {
			conn.OriginFiles = append(conn.OriginFiles, pkt.Origin)
		}
	}

	// Protocol label upgrades follow unknown < IT < OT ordering; the
	// state machine only moves forward.
	newState := types.StateUnknown
	switch {
	case deepConfirmed:
		newState = types.StateDeepConfirmed
	case cls.Confidence >= protocols.ConfidenceShape:
		newState = types.StateShapeHit
	case cls.Confidence >= protocols.ConfidencePort:
		newState = types.StatePortHit
	}
	if newState > conn.ProtocolState {
		conn.ProtocolState = newState
	}
	if protocolRank(cls.Protocol) > protocolRank(protocols.IcsProtocol(conn.Protocol)) {
		conn.Protocol = string(cls.Protocol)
	}
	return conn
}

func (s *Store) upsertAsset(pkt *types.DecodedPacket, ip string, mac net.HardwareAddr, protocol string) *types.Asset {
	asset, ok := s.assets[ip]
	if !ok {
		asset = &types.Asset{
			IP:              ip,
			DeviceType:      types.DeviceUnknown,
			FirstSeenMicros: pkt.TimestampMicros,
			LastSeenMicros:  pkt.TimestampMicros,
			Subnet:          subnetOf(ip),
		}
		s.assets[ip] = asset
		s.assetOrder = append(s.assetOrder, ip)
	}

	asset.PacketCount++
	if pkt.TimestampMicros < asset.FirstSeenMicros {
		asset.FirstSeenMicros = pkt.TimestampMicros
	}
	if pkt.TimestampMicros > asset.LastSeenMicros {
		asset.LastSeenMicros = pkt.TimestampMicros
	}
	asset.FirstSeen = types.ISO8601(asset.FirstSeenMicros)
	asset.LastSeen = types.ISO8601(asset.LastSeenMicros)

	if asset.MACAddress == "" && mac != nil {
		asset.MACAddress = mac.String()
	}

	if protocol != "" && protocol != string(protocols.Unknown) {
		present := false
		for _, p := range asset.Protocols {
			if p == protocol {
				present = true
				break
			}
		}
		if !present {
			asset.Protocols = append(asset.Protocols, protocol)
			sort.Strings(asset.Protocols)
		}
	}
	return asset
}

// subnetOf derives the display grouping: /24 for IPv4, /64 for IPv6.
func subnetOf(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(24, 32))
		return fmt.Sprintf("%s/24", masked)
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return fmt.Sprintf("%s/64", masked)
}

// applyMatches attributes signature hits. Metadata lands on the asset
// matching the rule's role: the server-side endpoint for slave/server
// rules, the other end for master/client, both when the role is unset.
func (s *Store) applyMatches(src, dst *types.Asset, pkt *types.DecodedPacket, matches []types.SignatureMatch) {
	serverIsSrc := protocols.ByPort(pkt.L4, pkt.SrcPort) != protocols.Unknown

	for _, m := range matches {
		metrics.SignatureMatches.Inc()
		var targets []*types.Asset
		switch m.Role {
		case types.RoleSlave, types.RoleServer:
			if serverIsSrc {
				targets = []*types.Asset{src}
			} else {
				targets = []*types.Asset{dst}
			}
		case types.RoleMaster, types.RoleClient:
			if serverIsSrc {
				targets = []*types.Asset{dst}
			} else {
				targets = []*types.Asset{src}
			}
		default:
			targets = []*types.Asset{src, dst}
		}
		for _, a := range targets {
			if a != nil {
				s.mergeMatch(a, m)
			}
		}
	}
}

// mergeMatch inserts a signature match into the asset's ordered list,
// deduplicating by name and keeping the highest confidence, then
// recomputes the derived fields.
func (s *Store) mergeMatch(a *types.Asset, m types.SignatureMatch) {
	replaced := false
	for i := range a.SignatureMatches {
		if a.SignatureMatches[i].Name != m.Name {
			continue
		}
		if m.Confidence > a.SignatureMatches[i].Confidence {
			a.SignatureMatches[i] = m
		}
		replaced = true
		break
	}
	if !replaced {
		a.SignatureMatches = append(a.SignatureMatches, m)
	}
	sort.SliceStable(a.SignatureMatches, func(i, j int) bool {
		return a.SignatureMatches[i].Confidence > a.SignatureMatches[j].Confidence
	})

	s.recomputeFromMatches(a)
}

// recomputeFromMatches rebuilds confidence, vendor, product family and
// device type from the ordered match list. On equal confidence an earlier
// non-null vendor wins over a later one.
func (s *Store) recomputeFromMatches(a *types.Asset) {
	a.Confidence = 0
	vendor, family := "", ""
	var device types.DeviceType
	var role types.Role

	for _, m := range a.SignatureMatches {
		if m.Confidence > a.Confidence {
			a.Confidence = m.Confidence
		}
		if vendor == "" && m.Vendor != "" {
			vendor = m.Vendor
		}
		if family == "" && m.ProductFamily != "" {
			family = m.ProductFamily
		}
		if device == "" && m.DeviceType != "" && m.DeviceType != types.DeviceUnknown {
			device = m.DeviceType
		}
		if role == "" && m.Role != "" {
			role = m.Role
		}
	}

	if vendor != "" {
		a.Vendor = vendor
	}
	if family != "" {
		a.ProductFamily = family
	}
	if device != "" {
		a.DeviceType = device
	} else if a.DeviceType == types.DeviceUnknown {
		// A slave-role hit with no explicit device type makes the asset a
		// controller candidate.
		if role == types.RoleSlave {
			a.DeviceType = types.DevicePLC
		}
	}
}

// ApplyDeviceIdentity records a deep-parse device identification at the
// top of the confidence ladder, represented as a synthetic signature
// match so the confidence invariant holds.
func (s *Store) ApplyDeviceIdentity(id *dissect.DeviceIdentity) {
	if id == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id.IP]
	if !ok {
		return
	}
	family := id.ProductName
	if family == "" {
		family = id.ProductCode
	}
	s.mergeMatch(a, types.SignatureMatch{
		Name:          "modbus.device_identification",
		Confidence:    5,
		Vendor:        id.VendorName,
		ProductFamily: family,
		Role:          types.RoleSlave,
		Protocol:      string(protocols.Modbus),
	})
}

func (s *Store) enrich(a *types.Asset) {
	if a.OUIVendor == "" && a.MACAddress != "" && s.oui != nil {
		a.OUIVendor = s.oui.Lookup(a.MACAddress)
	}
	if a.Country == "" && s.geo != nil {
		if ip := net.ParseIP(a.IP); ip != nil && enrich.IsPublicIP(ip) {
			a.IsPublicIP = true
			a.Country = s.geo.Lookup(a.IP)
		}
	}
}

func (s *Store) recordPacket(conn *types.Connection, pkt *types.DecodedPacket, protocol string) {
	buf := s.connPackets[conn.ID]
	if len(buf) == s.packetBufCap {
		copy(buf, buf[1:])
		buf = buf[:s.packetBufCap-1]
	}
	srcIP, dstIP := "", ""
	if pkt.SrcIP != nil {
		srcIP = pkt.SrcIP.String()
	}
	if pkt.DstIP != nil {
		dstIP = pkt.DstIP.String()
	}
	s.connPackets[conn.ID] = append(buf, types.PacketSummary{
		TimestampMicros: pkt.TimestampMicros,
		SrcIP:           srcIP,
		DstIP:           dstIP,
		SrcPort:         pkt.SrcPort,
		DstPort:         pkt.DstPort,
		Length:          pkt.WireSize,
		Protocol:        protocol,
		Transport:       pkt.L4,
	})
}

// Counts returns the current asset and connection totals.
func (s *Store) Counts() (assets, connections int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets), len(s.conns)
}

// Assets returns deep copies of every asset in first-seen order.
func (s *Store) Assets() []*types.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Asset, 0, len(s.assetOrder))
	for _, ip := range s.assetOrder {
		out = append(out, copyAsset(s.assets[ip]))
	}
	return out
}

// Asset returns a deep copy of one asset, or a query-input error.
func (s *Store) Asset(ip string) (*types.Asset, error) {
	if net.ParseIP(ip) == nil {
		return nil, oterrors.Newf(oterrors.KindQueryInput, "malformed IP %q", ip)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[ip]
	if !ok {
		return nil, oterrors.Newf(oterrors.KindQueryInput, "no asset for %s", ip)
	}
	return copyAsset(a), nil
}

// Connections returns deep copies of every connection in first-seen order.
func (s *Store) Connections() []*types.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Connection, 0, len(s.connOrder))
	for _, key := range s.connOrder {
		out = append(out, copyConnection(s.conns[key]))
	}
	return out
}

// Topology returns the whole-graph snapshot.
func (s *Store) Topology() *types.Topology {
	return &types.Topology{Assets: s.Assets(), Connections: s.Connections()}
}

// ConnectionPackets returns the bounded packet summaries of a connection.
func (s *Store) ConnectionPackets(id string) ([]types.PacketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.connPackets[id]
	if !ok {
		return nil, oterrors.Newf(oterrors.KindQueryInput, "unknown connection id %q", id)
	}
	out := make([]types.PacketSummary, len(buf))
	copy(out, buf)
	return out, nil
}

// ProtocolStats aggregates per-protocol packet, byte, connection and
// device totals.
func (s *Store) ProtocolStats() []types.ProtocolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]*types.ProtocolStats)
	for _, key := range s.connOrder {
		c := s.conns[key]
		st, ok := stats[c.Protocol]
		if !ok {
			st = &types.ProtocolStats{Protocol: c.Protocol}
			stats[c.Protocol] = st
		}
		st.Packets += c.PacketCount
		st.Bytes += c.ByteCount
		st.Connections++
	}
	for _, ip := range s.assetOrder {
		for _, p := range s.assets[ip].Protocols {
			if st, ok := stats[p]; ok {
				st.Devices++
			}
		}
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.ProtocolStats, 0, len(names))
	for _, name := range names {
		out = append(out, *stats[name])
	}
	return out
}

// DeepParseInfo returns the deep-parse record for an IP.
func (s *Store) DeepParseInfo(ip string) (*dissect.DeviceState, error) {
	if net.ParseIP(ip) == nil {
		return nil, oterrors.Newf(oterrors.KindQueryInput, "malformed IP %q", ip)
	}
	dev := s.deep.Get(ip)
	if dev == nil {
		return nil, oterrors.Newf(oterrors.KindQueryInput, "no deep-parse state for %s", ip)
	}
	return dev, nil
}

func copyAsset(a *types.Asset) *types.Asset {
	out := *a
	out.Protocols = append([]string(nil), a.Protocols...)
	out.SignatureMatches = append([]types.SignatureMatch(nil), a.SignatureMatches...)
	out.Tags = append([]string(nil), a.Tags...)
	if a.PurdueLevel != nil {
		v := *a.PurdueLevel
		out.PurdueLevel = &v
	}
	return &out
}

func copyConnection(c *types.Connection) *types.Connection {
	out := *c
	out.OriginFiles = append([]string(nil), c.OriginFiles...)
	return &out
}
