// Package protocols defines the closed protocol enumeration, the canonical
// port assignments, and the two-stage port/shape classifier.
package protocols

import "otscope/pkg/types"

// IcsProtocol is the closed set of protocol labels the engine assigns.
type IcsProtocol string

const (
	// OT protocols.
	Modbus             IcsProtocol = "modbus"
	DNP3               IcsProtocol = "dnp3"
	EtherNetIP         IcsProtocol = "ethernet_ip"
	BACnet             IcsProtocol = "bacnet"
	S7Comm             IcsProtocol = "s7comm"
	OPCUA              IcsProtocol = "opc_ua"
	Profinet           IcsProtocol = "profinet"
	IEC104             IcsProtocol = "iec104"
	MQTT               IcsProtocol = "mqtt"
	HARTIP             IcsProtocol = "hart_ip"
	FoundationFieldbus IcsProtocol = "foundation_fieldbus"
	GESRTP             IcsProtocol = "ge_srtp"
	SuiteLink          IcsProtocol = "suitelink"

	// IT protocols.
	HTTP  IcsProtocol = "http"
	HTTPS IcsProtocol = "https"
	DNS   IcsProtocol = "dns"
	SSH   IcsProtocol = "ssh"
	RDP   IcsProtocol = "rdp"
	SNMP  IcsProtocol = "snmp"

	Unknown IcsProtocol = "unknown"
)

// All lists every protocol value in a stable order.
var All = []IcsProtocol{
	Modbus, DNP3, EtherNetIP, BACnet, S7Comm, OPCUA, Profinet, IEC104,
	MQTT, HARTIP, FoundationFieldbus, GESRTP, SuiteLink,
	HTTP, HTTPS, DNS, SSH, RDP, SNMP,
	Unknown,
}

var otProtocols = map[IcsProtocol]bool{
	Modbus: true, DNP3: true, EtherNetIP: true, BACnet: true,
	S7Comm: true, OPCUA: true, Profinet: true, IEC104: true,
	MQTT: true, HARTIP: true, FoundationFieldbus: true,
	GESRTP: true, SuiteLink: true,
}

// IsOT reports whether the protocol is an industrial protocol.
func IsOT(p IcsProtocol) bool { return otProtocols[p] }

// tcpPorts and udpPorts map each L4 port to its protocol, one map per
// transport. Ports used on both transports appear in both maps.
var tcpPorts = map[uint16]IcsProtocol{
	502:   Modbus,
	20000: DNP3,
	44818: EtherNetIP,
	102:   S7Comm,
	4840:  OPCUA,
	2404:  IEC104,
	1883:  MQTT,
	8883:  MQTT,
	5094:  HARTIP,
	1089:  FoundationFieldbus,
	1090:  FoundationFieldbus,
	1091:  FoundationFieldbus,
	18245: GESRTP,
	18246: GESRTP,
	5007:  SuiteLink,
	80:    HTTP,
	443:   HTTPS,
	53:    DNS,
	22:    SSH,
	3389:  RDP,
}

var udpPorts = map[uint16]IcsProtocol{
	20000: DNP3,
	2222:  EtherNetIP,
	47808: BACnet,
	34962: Profinet,
	34963: Profinet,
	34964: Profinet,
	5094:  HARTIP,
	53:    DNS,
	161:   SNMP,
	162:   SNMP,
}

// ByPort returns the canonical protocol for a transport/port pair, or
// Unknown when the port is unassigned.
func ByPort(transport types.Transport, port uint16) IcsProtocol {
	switch transport {
	case types.TransportTCP:
		if p, ok := tcpPorts[port]; ok {
			return p
		}
	case types.TransportUDP:
		if p, ok := udpPorts[port]; ok {
			return p
		}
	}
	return Unknown
}

// CanonicalPorts returns the port set registered for a protocol, split by
// transport.
func CanonicalPorts(p IcsProtocol) (tcp, udp []uint16) {
	for port, proto := range tcpPorts {
		if proto == p {
			tcp = append(tcp, port)
		}
	}
	for port, proto := range udpPorts {
		if proto == p {
			udp = append(udp, port)
		}
	}
	return tcp, udp
}

// Valid reports whether the name is a member of the enumeration.
func Valid(name string) bool {
	for _, p := range All {
		if string(p) == name {
			return true
		}
	}
	return false
}
