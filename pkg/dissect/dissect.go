// Package dissect implements deep protocol parsing for Modbus/TCP and
// DNP3 and the per-device aggregation state both feed. Dissectors are
// capabilities: adding a protocol means adding a variant to DeviceState
// and registering another Dissector, nothing more.
package dissect

import (
	"sort"
	"sync"

	"otscope/pkg/protocols"
	"otscope/pkg/types"
)

// Dissector is the deep-parse capability for one protocol.
type Dissector interface {
	// Protocol names the dissected protocol.
	Protocol() protocols.IcsProtocol

	// Identify scores how confident the dissector is that the payload
	// belongs to its protocol: 0 (no), or the shape confidence.
	Identify(pkt *types.DecodedPacket) int

	// Parse dissects the packet and extends the aggregation state. The
	// returned event is non-nil only when the parse surfaced something
	// the asset layer must react to (a device identification).
	Parse(pkt *types.DecodedPacket, state *State) *Event
}

// Event signals an asset-level consequence of a deep parse.
type Event struct {
	// DeviceIdentity is set when a device-identification exchange was
	// decoded; the asset layer records it at the top of the confidence
	// ladder.
	DeviceIdentity *DeviceIdentity
}

// DeviceIdentity is the outcome of a Modbus Read Device Identification
// (FC 43 / MEI 14) response.
type DeviceIdentity struct {
	IP          string `json:"ip"`
	VendorName  string `json:"vendor_name,omitempty"`
	ProductCode string `json:"product_code,omitempty"`
	Revision    string `json:"revision,omitempty"`
	VendorURL   string `json:"vendor_url,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	ModelName   string `json:"model_name,omitempty"`
}

// FunctionCodeStat accounts for one observed function code.
type FunctionCodeStat struct {
	Code    uint8  `json:"code"`
	Name    string `json:"name"`
	Count   uint64 `json:"count"`
	IsWrite bool   `json:"is_write"`
}

// RegisterRange is a merged span of register accesses of one register type.
type RegisterRange struct {
	Type        string `json:"type"` // coil|discrete|holding|input
	Start       uint32 `json:"start"`
	End         uint32 `json:"end"` // inclusive
	AccessCount uint64 `json:"access_count"`
}

// Count returns the number of registers the range covers.
func (r *RegisterRange) Count() uint32 { return r.End - r.Start + 1 }

// PeerLink describes an observed master/slave (or master/outstation)
// relationship from one device's point of view.
type PeerLink struct {
	RemoteIP    string   `json:"remote_ip"`
	RemoteRole  string   `json:"remote_role"`
	UnitIDs     []uint16 `json:"unit_ids,omitempty"`
	PacketCount uint64   `json:"packet_count"`
}

// PollingInterval is the computed cadence of one (remote, unit, function
// code) request stream.
type PollingInterval struct {
	RemoteIP     string  `json:"remote_ip"`
	UnitID       uint16  `json:"unit_id"`
	FunctionCode uint8   `json:"function_code"`
	AvgMs        float64 `json:"avg_ms"`
	MinMs        float64 `json:"min_ms"`
	MaxMs        float64 `json:"max_ms"`
	SampleCount  uint64  `json:"sample_count"`
}

// DeviceState is the tagged per-asset deep-parse record. Exactly the
// protocols observed on the device have non-nil variants.
type DeviceState struct {
	IP     string      `json:"ip"`
	Modbus *ModbusInfo `json:"modbus,omitempty"`
	DNP3   *DNP3Info   `json:"dnp3,omitempty"`
}

// State holds deep-parse records keyed by asset IP. It is additive: new
// packets extend counters and sample sets, never mutate past observations.
type State struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState
	order   []string

	// ParseErrors counts discarded parses (CRC mismatch, truncation).
	parseErrors uint64
}

// NewState creates an empty deep-parse state.
func NewState() *State {
	return &State{devices: make(map[string]*DeviceState)}
}

// Device fetches or creates the record for an IP.
func (s *State) Device(ip string) *DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device(ip)
}

// device is Device without locking, for use while the state lock is held.
func (s *State) device(ip string) *DeviceState {
	dev, ok := s.devices[ip]
	if !ok {
		dev = &DeviceState{IP: ip}
		s.devices[ip] = dev
		s.order = append(s.order, ip)
	}
	return dev
}

// Get returns a deep-copied snapshot of one device's record, or nil.
func (s *State) Get(ip string) *DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[ip]
	if !ok {
		return nil
	}
	return dev.snapshot()
}

// IPs returns the device IPs in first-seen order.
func (s *State) IPs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// CountParseError increments the discarded-parse counter.
func (s *State) CountParseError() {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
}

// ParseErrors returns the number of discarded parses.
func (s *State) ParseErrors() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parseErrors
}

// Lock serializes one packet's worth of dissector mutations against
// concurrent query snapshots.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

func (d *DeviceState) snapshot() *DeviceState {
	out := &DeviceState{IP: d.IP}
	if d.Modbus != nil {
		out.Modbus = d.Modbus.snapshot()
	}
	if d.DNP3 != nil {
		out.DNP3 = d.DNP3.snapshot()
	}
	return out
}

// Registry dispatches packets across the registered dissectors.
type Registry struct {
	dissectors []Dissector
}

// NewRegistry creates a registry with the given dissectors, tried in order.
func NewRegistry(ds ...Dissector) *Registry {
	return &Registry{dissectors: ds}
}

// Dissectors returns the registered dissectors in registration order.
func (r *Registry) Dissectors() []Dissector { return r.dissectors }

// Parse offers the packet to each dissector that identifies it. At most
// one dissector claims any given payload in practice; the loop keeps the
// registry agnostic of that. The boolean reports whether any dissector
// claimed the packet, which callers treat as deep confirmation.
func (r *Registry) Parse(pkt *types.DecodedPacket, state *State) (bool, []*Event) {
	claimed := false
	var events []*Event
	for _, d := range r.dissectors {
		if d.Identify(pkt) == 0 {
			continue
		}
		claimed = true
		if ev := d.Parse(pkt, state); ev != nil {
			events = append(events, ev)
		}
	}
	return claimed, events
}

func sortedUint16(set map[uint16]bool) []uint16 {
	out := make([]uint16, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[string]*PeerLink) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
