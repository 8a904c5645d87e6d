package types

import (
	"fmt"
	"time"
)

// DeviceType is the closed set of device classifications an asset can carry.
type DeviceType string

const (
	DevicePLC         DeviceType = "plc"
	DeviceRTU         DeviceType = "rtu"
	DeviceHMI         DeviceType = "hmi"
	DeviceHistorian   DeviceType = "historian"
	DeviceEngineering DeviceType = "engineering_workstation"
	DeviceSCADAServer DeviceType = "scada_server"
	DeviceIT          DeviceType = "it_device"
	DeviceUnknown     DeviceType = "unknown"
)

// Role describes which side of a master/slave or client/server exchange a
// device or signature refers to.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
	RoleClient Role = "client"
	RoleServer Role = "server"
	RoleMixed  Role = "mixed"
)

// SignatureMatch records one signature hit attributed to an asset. Matches
// are kept ordered by confidence descending and deduplicated by name.
type SignatureMatch struct {
	Name          string     `json:"name"`
	Confidence    int        `json:"confidence"`
	Vendor        string     `json:"vendor,omitempty"`
	ProductFamily string     `json:"product_family,omitempty"`
	Role          Role       `json:"role,omitempty"`
	DeviceType    DeviceType `json:"device_type,omitempty"`
	Protocol      string     `json:"protocol,omitempty"`
}

// Asset is the per-IP inventory record maintained by the topology store.
type Asset struct {
	IP         string     `json:"ip"`
	MACAddress string     `json:"mac_address,omitempty"`
	Hostname   string     `json:"hostname,omitempty"`
	DeviceType DeviceType `json:"device_type"`

	Vendor        string `json:"vendor,omitempty"`
	ProductFamily string `json:"product_family,omitempty"`

	Protocols   []string `json:"protocols"`
	PacketCount uint64   `json:"packet_count"`
	FirstSeen   string   `json:"first_seen"`
	LastSeen    string   `json:"last_seen"`

	FirstSeenMicros int64 `json:"-"`
	LastSeenMicros  int64 `json:"-"`

	Confidence       int              `json:"confidence"`
	SignatureMatches []SignatureMatch `json:"signature_matches,omitempty"`

	OUIVendor  string `json:"oui_vendor,omitempty"`
	Country    string `json:"country,omitempty"`
	IsPublicIP bool   `json:"is_public_ip"`

	PurdueLevel *int     `json:"purdue_level,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Notes       string   `json:"notes,omitempty"`

	// Subnet is a display grouping (/24 for IPv4, /64 for IPv6); it is
	// never part of the asset key.
	Subnet string `json:"subnet,omitempty"`
}

// ConnectionKey is the canonical unordered 5-tuple identifying an edge.
// A->B and B->A traffic collapse onto the same key.
type ConnectionKey struct {
	IPLow    string
	IPHigh   string
	PortLow  uint16
	PortHigh uint16
	Proto    Transport
}

// String renders the key as a stable connection id.
func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s:%d-%s:%d/%s", k.IPLow, k.PortLow, k.IPHigh, k.PortHigh, k.Proto)
}

// CanonicalKey folds a directed 5-tuple onto its unordered form.
func CanonicalKey(srcIP, dstIP string, srcPort, dstPort uint16, proto Transport) ConnectionKey {
	if srcIP < dstIP || (srcIP == dstIP && srcPort <= dstPort) {
		return ConnectionKey{IPLow: srcIP, IPHigh: dstIP, PortLow: srcPort, PortHigh: dstPort, Proto: proto}
	}
	return ConnectionKey{IPLow: dstIP, IPHigh: srcIP, PortLow: dstPort, PortHigh: srcPort, Proto: proto}
}

// ProtocolState tracks how a connection's protocol label was established.
// Transitions only move forward: unknown -> port_hit -> shape_hit ->
// deep_confirmed.
type ProtocolState int

const (
	StateUnknown ProtocolState = iota
	StatePortHit
	StateShapeHit
	StateDeepConfirmed
)

// String returns the external name of the protocol state.
func (s ProtocolState) String() string {
	switch s {
	case StatePortHit:
		return "port_hit"
	case StateShapeHit:
		return "shape_hit"
	case StateDeepConfirmed:
		return "deep_confirmed"
	default:
		return "unknown"
	}
}

// PacketSummary is a bounded per-connection sample of observed packets.
type PacketSummary struct {
	TimestampMicros int64     `json:"timestamp_us"`
	SrcIP           string    `json:"src_ip"`
	DstIP           string    `json:"dst_ip"`
	SrcPort         uint16    `json:"src_port"`
	DstPort         uint16    `json:"dst_port"`
	Length          int       `json:"length"`
	Protocol        string    `json:"protocol"`
	Transport       Transport `json:"transport"`
}

// Connection is a directed-on-first-sight edge between two endpoints. The
// src_* fields preserve the first observed direction.
type Connection struct {
	ID string `json:"id"`

	SrcIP   string `json:"src_ip"`
	SrcPort uint16 `json:"src_port"`
	SrcMAC  string `json:"src_mac,omitempty"`
	DstIP   string `json:"dst_ip"`
	DstPort uint16 `json:"dst_port"`
	DstMAC  string `json:"dst_mac,omitempty"`

	Transport     Transport     `json:"transport"`
	Protocol      string        `json:"protocol"`
	ProtocolState ProtocolState `json:"-"`

	PacketCount   uint64 `json:"packet_count"`
	ByteCount     uint64 `json:"byte_count"`
	Bidirectional bool   `json:"bidirectional"`

	FirstSeen   string   `json:"first_seen"`
	LastSeen    string   `json:"last_seen"`
	OriginFiles []string `json:"origin_files"`

	FirstSeenMicros int64 `json:"-"`
	LastSeenMicros  int64 `json:"-"`
}

// ProtocolStats aggregates per-protocol traffic totals for reporting.
type ProtocolStats struct {
	Protocol    string `json:"protocol"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	Connections int    `json:"connections"`
	Devices     int    `json:"devices"`
}

// Topology is the whole-graph snapshot returned by the store.
type Topology struct {
	Assets      []*Asset      `json:"assets"`
	Connections []*Connection `json:"connections"`
}

// FileResult reports the outcome of importing one capture file.
type FileResult struct {
	Filename    string `json:"filename"`
	PacketCount int    `json:"packet_count"`
	Status      string `json:"status"`
}

// ImportResult is the aggregate outcome of an ImportPcap call.
type ImportResult struct {
	PacketCount     int          `json:"packet_count"`
	AssetCount      int          `json:"asset_count"`
	ConnectionCount int          `json:"connection_count"`
	PerFile         []FileResult `json:"per_file"`
}

// ISO8601 renders a capture timestamp in the ISO-8601 form used for
// first_seen/last_seen fields.
func ISO8601(micros int64) string {
	return time.UnixMicro(micros).UTC().Format("2006-01-02T15:04:05.000000Z")
}
