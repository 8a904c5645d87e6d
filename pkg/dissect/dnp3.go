package dissect

import (
	"encoding/binary"
	"sort"

	"otscope/pkg/protocols"
	"otscope/pkg/types"
)

const dnp3Port = 20000

const (
	dnp3Start0 = 0x05
	dnp3Start1 = 0x64

	dnp3CtrlDIR = 0x80 // set on frames sent by the master station
	dnp3CtrlPRM = 0x40

	dnp3FCUnsolicited = 130
)

// DNP3 application-layer function code names.
var dnp3FunctionNames = map[uint8]string{
	0:   "Confirm",
	1:   "Read",
	2:   "Write",
	3:   "Select",
	4:   "Operate",
	5:   "Direct Operate",
	6:   "Direct Operate No Response",
	7:   "Immediate Freeze",
	8:   "Immediate Freeze No Response",
	9:   "Freeze Clear",
	13:  "Cold Restart",
	14:  "Warm Restart",
	20:  "Enable Unsolicited",
	21:  "Disable Unsolicited",
	22:  "Assign Class",
	23:  "Delay Measure",
	129: "Response",
	130: "Unsolicited Response",
}

var dnp3WriteCodes = map[uint8]bool{2: true, 3: true, 4: true, 5: true, 6: true}

// dnp3CRCTable implements the DNP3 data-link CRC (reversed polynomial
// 0xA6BC, final ones-complement).
var dnp3CRCTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA6BC
			} else {
				crc >>= 1
			}
		}
		dnp3CRCTable[i] = crc
	}
}

// dnp3CRC computes the link-layer CRC over a block.
func dnp3CRC(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = dnp3CRCTable[byte(crc)^b] ^ (crc >> 8)
	}
	return ^crc
}

// DNP3Info is the per-device DNP3 aggregation. Exported fields are filled
// on snapshot.
type DNP3Info struct {
	Role           string             `json:"role"`
	Addresses      []uint16           `json:"addresses"`
	FunctionCodes  []FunctionCodeStat `json:"function_codes"`
	HasUnsolicited bool               `json:"has_unsolicited"`
	Relationships  []PeerLink         `json:"relationships"`

	masterFrames     uint64
	outstationFrames uint64
	addresses        map[uint16]bool
	fcs              map[uint8]*FunctionCodeStat
	peers            map[string]*PeerLink
	hasUnsolicited   bool
}

func newDNP3Info() *DNP3Info {
	return &DNP3Info{
		addresses: make(map[uint16]bool),
		fcs:       make(map[uint8]*FunctionCodeStat),
		peers:     make(map[string]*PeerLink),
	}
}

func (i *DNP3Info) role() string {
	switch {
	case i.masterFrames > 0 && i.outstationFrames > 0:
		return string(types.RoleMixed)
	case i.masterFrames > 0:
		return "master"
	case i.outstationFrames > 0:
		return "outstation"
	default:
		return ""
	}
}

func (i *DNP3Info) countFC(code uint8) {
	stat, ok := i.fcs[code]
	if !ok {
		name, known := dnp3FunctionNames[code]
		if !known {
			name = "Unknown Function"
		}
		stat = &FunctionCodeStat{Code: code, Name: name, IsWrite: dnp3WriteCodes[code]}
		i.fcs[code] = stat
	}
	stat.Count++
}

func (i *DNP3Info) peer(remoteIP, remoteRole string) *PeerLink {
	p, ok := i.peers[remoteIP]
	if !ok {
		p = &PeerLink{RemoteIP: remoteIP, RemoteRole: remoteRole}
		i.peers[remoteIP] = p
	}
	p.RemoteRole = remoteRole
	return p
}

func (i *DNP3Info) snapshot() *DNP3Info {
	out := &DNP3Info{Role: i.role(), HasUnsolicited: i.hasUnsolicited}
	out.Addresses = sortedUint16(i.addresses)

	codes := make([]uint8, 0, len(i.fcs))
	for c := range i.fcs {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(a, b int) bool { return codes[a] < codes[b] })
	for _, c := range codes {
		out.FunctionCodes = append(out.FunctionCodes, *i.fcs[c])
	}

	for _, ip := range sortedKeys(i.peers) {
		p := *i.peers[ip]
		out.Relationships = append(out.Relationships, p)
	}
	return out
}

// DNP3Dissector parses DNP3 data-link frames and the first transport
// fragment's application header. Fragmented application layers are not
// reassembled; function-code accounting uses the first fragment only.
type DNP3Dissector struct{}

// NewDNP3Dissector creates the DNP3 deep parser.
func NewDNP3Dissector() *DNP3Dissector { return &DNP3Dissector{} }

// Protocol implements Dissector.
func (d *DNP3Dissector) Protocol() protocols.IcsProtocol { return protocols.DNP3 }

// Probe implements protocols.ShapeProber: the 0x05 0x64 start bytes and a
// matching header CRC.
func (d *DNP3Dissector) Probe(payload []byte) bool {
	if len(payload) < 10 {
		return false
	}
	if payload[0] != dnp3Start0 || payload[1] != dnp3Start1 {
		return false
	}
	if payload[2] < 5 {
		return false
	}
	return dnp3CRC(payload[0:8]) == binary.LittleEndian.Uint16(payload[8:10])
}

// Identify implements Dissector.
func (d *DNP3Dissector) Identify(pkt *types.DecodedPacket) int {
	if len(pkt.Payload) == 0 || !pkt.HasPorts() {
		return 0
	}
	onPort := pkt.SrcPort == dnp3Port || pkt.DstPort == dnp3Port
	if !onPort && !d.Probe(pkt.Payload) {
		return 0
	}
	if d.Probe(pkt.Payload) {
		return protocols.ConfidenceShape
	}
	return 0
}

// Parse implements Dissector. On CRC mismatch or truncated header the
// parse is discarded with a counter increment.
func (d *DNP3Dissector) Parse(pkt *types.DecodedPacket, state *State) *Event {
	payload := pkt.Payload
	if len(payload) < 10 || payload[0] != dnp3Start0 || payload[1] != dnp3Start1 {
		state.CountParseError()
		return nil
	}
	if payload[2] < 5 {
		state.CountParseError()
		return nil
	}
	if dnp3CRC(payload[0:8]) != binary.LittleEndian.Uint16(payload[8:10]) {
		state.CountParseError()
		return nil
	}

	control := payload[3]
	destination := binary.LittleEndian.Uint16(payload[4:6])
	source := binary.LittleEndian.Uint16(payload[6:8])
	fromMaster := control&dnp3CtrlDIR != 0

	srcIP := pkt.SrcIP.String()
	dstIP := pkt.DstIP.String()

	state.Lock()
	defer state.Unlock()

	src := state.device(srcIP)
	dst := state.device(dstIP)
	if src.DNP3 == nil {
		src.DNP3 = newDNP3Info()
	}
	if dst.DNP3 == nil {
		dst.DNP3 = newDNP3Info()
	}

	src.DNP3.addresses[source] = true
	dst.DNP3.addresses[destination] = true

	// Role accrues only from frames a device sends; the receiving side
	// keeps whatever its own transmissions establish.
	if fromMaster {
		src.DNP3.masterFrames++
		src.DNP3.peer(dstIP, "outstation").PacketCount++
		dst.DNP3.peer(srcIP, "master").PacketCount++
	} else {
		src.DNP3.outstationFrames++
		src.DNP3.peer(dstIP, "master").PacketCount++
		dst.DNP3.peer(srcIP, "outstation").PacketCount++
	}

	// Transport header, application control, application function code.
	if len(payload) >= 13 {
		fc := payload[12]
		src.DNP3.countFC(fc)
		dst.DNP3.countFC(fc)
		if fc == dnp3FCUnsolicited {
			src.DNP3.hasUnsolicited = true
		}
	}

	src.DNP3.Role = src.DNP3.role()
	dst.DNP3.Role = dst.DNP3.role()
	return nil
}
