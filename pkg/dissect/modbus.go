package dissect

import (
	"encoding/binary"
	"sort"

	"otscope/pkg/protocols"
	"otscope/pkg/types"
)

const modbusPort = 502

// Modbus function code names. The table is the closed lookup set; codes
// outside it are still counted under a generated name.
var modbusFunctionNames = map[uint8]string{
	1:  "Read Coils",
	2:  "Read Discrete Inputs",
	3:  "Read Holding Registers",
	4:  "Read Input Registers",
	5:  "Write Single Coil",
	6:  "Write Single Register",
	7:  "Read Exception Status",
	8:  "Diagnostics",
	15: "Write Multiple Coils",
	16: "Write Multiple Registers",
	20: "Read File Record",
	21: "Write File Record",
	22: "Mask Write Register",
	23: "Read/Write Multiple Registers",
	24: "Read FIFO Queue",
	43: "Encapsulated Interface Transport",
}

// Write classification is the closed set 5, 6, 15, 16, 22, 23. FC 21
// (Write File Record) stays outside it and is only named in the table.
var modbusWriteCodes = map[uint8]bool{5: true, 6: true, 15: true, 16: true, 22: true, 23: true}

// Register range merge policy: two ranges combine when the gap between
// them is at most this many registers.
const registerMergeGap = 16

// Polling trackers retain at most this many request timestamps per
// (remote, unit, function code) triple, oldest evicted first.
const pollSampleCap = 64

// Register type names.
const (
	regCoil     = "coil"
	regDiscrete = "discrete"
	regHolding  = "holding"
	regInput    = "input"
)

type pollKey struct {
	remoteIP string
	unitID   uint16
	fc       uint8
}

type pollTracker struct {
	count  uint64
	stamps []int64 // microseconds, capped at pollSampleCap
}

func (t *pollTracker) observe(ts int64) {
	t.count++
	if len(t.stamps) == pollSampleCap {
		copy(t.stamps, t.stamps[1:])
		t.stamps = t.stamps[:pollSampleCap-1]
	}
	t.stamps = append(t.stamps, ts)
}

// ModbusInfo is the per-device Modbus aggregation. The exported fields are
// populated on snapshot; live tracking happens in the unexported ones.
type ModbusInfo struct {
	Role             string             `json:"role"`
	UnitIDs          []uint16           `json:"unit_ids"`
	FunctionCodes    []FunctionCodeStat `json:"function_codes"`
	RegisterRanges   []RegisterRange    `json:"register_ranges,omitempty"`
	DeviceIdentity   *DeviceIdentity    `json:"device_identification,omitempty"`
	Relationships    []PeerLink         `json:"relationships"`
	PollingIntervals []PollingInterval  `json:"polling_intervals,omitempty"`

	requestsSent     uint64
	responsesSent    uint64
	requestsReceived uint64
	unitIDs          map[uint16]bool
	fcs           map[uint8]*FunctionCodeStat
	ranges        map[string][]*RegisterRange
	peers         map[string]*PeerLink
	polls         map[pollKey]*pollTracker
	identity      *DeviceIdentity
}

func newModbusInfo() *ModbusInfo {
	return &ModbusInfo{
		unitIDs: make(map[uint16]bool),
		fcs:     make(map[uint8]*FunctionCodeStat),
		ranges:  make(map[string][]*RegisterRange),
		peers:   make(map[string]*PeerLink),
		polls:   make(map[pollKey]*pollTracker),
	}
}

// role derives the device's role from the traffic it has taken part in.
// Sending PDUs to port 502 is master evidence; answering from it, or
// being the target of requests on it, is slave evidence. A device with
// both is mixed.
func (m *ModbusInfo) role() string {
	masterEv := m.requestsSent
	slaveEv := m.responsesSent + m.requestsReceived
	switch {
	case masterEv > 0 && slaveEv > 0:
		return string(types.RoleMixed)
	case masterEv > 0:
		return string(types.RoleMaster)
	case slaveEv > 0:
		return string(types.RoleSlave)
	default:
		return ""
	}
}

func (m *ModbusInfo) countFC(code uint8) {
	stat, ok := m.fcs[code]
	if !ok {
		name, known := modbusFunctionNames[code]
		if !known {
			if code >= 0x80 {
				name = "Exception Response"
			} else {
				name = "Unknown Function"
			}
		}
		stat = &FunctionCodeStat{Code: code, Name: name, IsWrite: modbusWriteCodes[code]}
		m.fcs[code] = stat
	}
	stat.Count++
}

func (m *ModbusInfo) recordRange(regType string, start uint32, count uint32) {
	if count == 0 {
		return
	}
	end := start + count - 1
	merged := append(m.ranges[regType], &RegisterRange{Type: regType, Start: start, End: end, AccessCount: 1})
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	out := merged[:1]
	for _, r := range merged[1:] {
		last := out[len(out)-1]
		if r.Start <= last.End+registerMergeGap+1 {
			if r.End > last.End {
				last.End = r.End
			}
			last.AccessCount += r.AccessCount
			continue
		}
		out = append(out, r)
	}
	m.ranges[regType] = out
}

func (m *ModbusInfo) peer(remoteIP, remoteRole string) *PeerLink {
	p, ok := m.peers[remoteIP]
	if !ok {
		p = &PeerLink{RemoteIP: remoteIP, RemoteRole: remoteRole}
		m.peers[remoteIP] = p
	}
	p.RemoteRole = remoteRole
	return p
}

func (m *ModbusInfo) snapshot() *ModbusInfo {
	out := &ModbusInfo{Role: m.role()}
	out.UnitIDs = sortedUint16(m.unitIDs)

	codes := make([]uint8, 0, len(m.fcs))
	for c := range m.fcs {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, c := range codes {
		out.FunctionCodes = append(out.FunctionCodes, *m.fcs[c])
	}

	for _, regType := range []string{regCoil, regDiscrete, regHolding, regInput} {
		for _, r := range m.ranges[regType] {
			out.RegisterRanges = append(out.RegisterRanges, *r)
		}
	}

	if m.identity != nil {
		id := *m.identity
		out.DeviceIdentity = &id
	}

	for _, ip := range sortedKeys(m.peers) {
		p := *m.peers[ip]
		p.UnitIDs = append([]uint16(nil), p.UnitIDs...)
		out.Relationships = append(out.Relationships, p)
	}

	keys := make([]pollKey, 0, len(m.polls))
	for k := range m.polls {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].remoteIP != keys[j].remoteIP {
			return keys[i].remoteIP < keys[j].remoteIP
		}
		if keys[i].unitID != keys[j].unitID {
			return keys[i].unitID < keys[j].unitID
		}
		return keys[i].fc < keys[j].fc
	})
	for _, k := range keys {
		if pi, ok := computeInterval(k, m.polls[k]); ok {
			out.PollingIntervals = append(out.PollingIntervals, pi)
		}
	}
	return out
}

// computeInterval derives avg/min/max inter-arrival milliseconds. A triple
// publishes only once three or more requests have been observed.
func computeInterval(k pollKey, t *pollTracker) (PollingInterval, bool) {
	if t.count < 3 || len(t.stamps) < 2 {
		return PollingInterval{}, false
	}
	var sum, minD, maxD float64
	n := 0
	for i := 1; i < len(t.stamps); i++ {
		d := float64(t.stamps[i]-t.stamps[i-1]) / 1000.0
		if n == 0 || d < minD {
			minD = d
		}
		if n == 0 || d > maxD {
			maxD = d
		}
		sum += d
		n++
	}
	return PollingInterval{
		RemoteIP:     k.remoteIP,
		UnitID:       k.unitID,
		FunctionCode: k.fc,
		AvgMs:        sum / float64(n),
		MinMs:        minD,
		MaxMs:        maxD,
		SampleCount:  t.count,
	}, true
}

// ModbusDissector parses MBAP-framed Modbus/TCP traffic.
type ModbusDissector struct{}

// NewModbusDissector creates the Modbus deep parser.
func NewModbusDissector() *ModbusDissector { return &ModbusDissector{} }

// Protocol implements Dissector.
func (d *ModbusDissector) Protocol() protocols.IcsProtocol { return protocols.Modbus }

// Probe implements protocols.ShapeProber: a plausible MBAP header has
// protocol id 0 and a length field that fits the payload.
func (d *ModbusDissector) Probe(payload []byte) bool {
	if len(payload) < 7 {
		return false
	}
	if binary.BigEndian.Uint16(payload[2:4]) != 0 {
		return false
	}
	length := binary.BigEndian.Uint16(payload[4:6])
	return length >= 1 && int(length)+6 <= len(payload)
}

// Identify implements Dissector.
func (d *ModbusDissector) Identify(pkt *types.DecodedPacket) int {
	if pkt.L4 != types.TransportTCP || len(pkt.Payload) == 0 {
		return 0
	}
	if pkt.SrcPort != modbusPort && pkt.DstPort != modbusPort {
		return 0
	}
	if d.Probe(pkt.Payload) {
		return protocols.ConfidenceShape
	}
	return 0
}

// Parse implements Dissector. Direction against the canonical port
// decides request vs response: PDUs sent to port 502 are requests, PDUs
// sent from it are responses.
func (d *ModbusDissector) Parse(pkt *types.DecodedPacket, state *State) *Event {
	payload := pkt.Payload
	if len(payload) < 8 {
		state.CountParseError()
		return nil
	}
	if binary.BigEndian.Uint16(payload[2:4]) != 0 {
		state.CountParseError()
		return nil
	}
	length := binary.BigEndian.Uint16(payload[4:6])
	if length < 2 || int(length)+6 > len(payload) {
		state.CountParseError()
		return nil
	}

	unitID := uint16(payload[6])
	fc := payload[7]
	pdu := payload[8 : 6+int(length)]

	srcIP := pkt.SrcIP.String()
	dstIP := pkt.DstIP.String()
	isRequest := pkt.DstPort == modbusPort

	state.Lock()
	defer state.Unlock()

	src := state.device(srcIP)
	dst := state.device(dstIP)
	if src.Modbus == nil {
		src.Modbus = newModbusInfo()
	}
	if dst.Modbus == nil {
		dst.Modbus = newModbusInfo()
	}

	src.Modbus.unitIDs[unitID] = true
	dst.Modbus.unitIDs[unitID] = true
	src.Modbus.countFC(fc)
	dst.Modbus.countFC(fc)

	if isRequest {
		master, slave := src.Modbus, dst.Modbus
		master.requestsSent++
		slave.requestsReceived++

		link := master.peer(dstIP, string(types.RoleSlave))
		link.PacketCount++
		addUnit(link, unitID)
		back := slave.peer(srcIP, string(types.RoleMaster))
		back.PacketCount++
		addUnit(back, unitID)

		d.recordRequestRanges(slave, fc, pdu)

		k := pollKey{remoteIP: dstIP, unitID: unitID, fc: fc}
		t, ok := master.polls[k]
		if !ok {
			t = &pollTracker{}
			master.polls[k] = t
		}
		t.observe(pkt.TimestampMicros)

		src.Modbus.Role = master.role()
		dst.Modbus.Role = slave.role()
		return nil
	}

	slave, master := src.Modbus, dst.Modbus
	slave.responsesSent++

	link := slave.peer(dstIP, string(types.RoleMaster))
	link.PacketCount++
	addUnit(link, unitID)
	back := master.peer(srcIP, string(types.RoleSlave))
	back.PacketCount++
	addUnit(back, unitID)

	slave.Role = slave.role()
	master.Role = master.role()

	if fc == 43 {
		if id := parseDeviceIdentification(srcIP, pdu); id != nil {
			slave.identity = id
			return &Event{DeviceIdentity: id}
		}
	}
	return nil
}

func addUnit(p *PeerLink, unit uint16) {
	for _, u := range p.UnitIDs {
		if u == unit {
			return
		}
	}
	p.UnitIDs = append(p.UnitIDs, unit)
	sort.Slice(p.UnitIDs, func(i, j int) bool { return p.UnitIDs[i] < p.UnitIDs[j] })
}

// recordRequestRanges extracts (start, quantity) spans from request PDUs
// and merges them into the slave's per-type range list.
func (d *ModbusDissector) recordRequestRanges(slave *ModbusInfo, fc uint8, pdu []byte) {
	addr := func() (uint32, bool) {
		if len(pdu) < 2 {
			return 0, false
		}
		return uint32(binary.BigEndian.Uint16(pdu[0:2])), true
	}
	qty := func() (uint32, bool) {
		if len(pdu) < 4 {
			return 0, false
		}
		return uint32(binary.BigEndian.Uint16(pdu[2:4])), true
	}

	switch fc {
	case 1, 2, 3, 4, 15, 16:
		start, ok1 := addr()
		count, ok2 := qty()
		if !ok1 || !ok2 {
			return
		}
		regType := map[uint8]string{1: regCoil, 2: regDiscrete, 3: regHolding, 4: regInput, 15: regCoil, 16: regHolding}[fc]
		slave.recordRange(regType, start, count)
	case 5:
		if start, ok := addr(); ok {
			slave.recordRange(regCoil, start, 1)
		}
	case 6, 22:
		if start, ok := addr(); ok {
			slave.recordRange(regHolding, start, 1)
		}
	case 23:
		if len(pdu) < 8 {
			return
		}
		readStart := uint32(binary.BigEndian.Uint16(pdu[0:2]))
		readQty := uint32(binary.BigEndian.Uint16(pdu[2:4]))
		writeStart := uint32(binary.BigEndian.Uint16(pdu[4:6]))
		writeQty := uint32(binary.BigEndian.Uint16(pdu[6:8]))
		slave.recordRange(regHolding, readStart, readQty)
		slave.recordRange(regHolding, writeStart, writeQty)
	}
}

// MEI type 14 object ids from the Read Device Identification object table.
const (
	meiVendorName  = 0x00
	meiProductCode = 0x01
	meiRevision    = 0x02
	meiVendorURL   = 0x03
	meiProductName = 0x04
	meiModelName   = 0x05
)

// parseDeviceIdentification walks the TLV object list of an FC 43 / MEI 14
// response PDU. The PDU starts after the function code byte:
// mei_type, read_devid_code, conformity, more_follows, next_object_id,
// number_of_objects, then (id, len, bytes) triples.
func parseDeviceIdentification(ip string, pdu []byte) *DeviceIdentity {
	if len(pdu) < 6 || pdu[0] != 0x0E {
		return nil
	}
	count := int(pdu[5])
	id := &DeviceIdentity{IP: ip}
	got := false

	off := 6
	for i := 0; i < count && off+2 <= len(pdu); i++ {
		objID := pdu[off]
		objLen := int(pdu[off+1])
		off += 2
		if off+objLen > len(pdu) {
			break
		}
		value := string(pdu[off : off+objLen])
		off += objLen

		switch objID {
		case meiVendorName:
			id.VendorName = value
		case meiProductCode:
			id.ProductCode = value
		case meiRevision:
			id.Revision = value
		case meiVendorURL:
			id.VendorURL = value
		case meiProductName:
			id.ProductName = value
		case meiModelName:
			id.ModelName = value
		default:
			continue
		}
		got = true
	}
	if !got {
		return nil
	}
	return id
}
