// Package signatures implements the declarative rule engine. Rules are
// per-file YAML records with AND-combined filters; matching is linear in
// rules and filters with no backtracking.
package signatures

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"otscope/pkg/protocols"
	"otscope/pkg/types"
)

// Rule is the on-disk signature record.
type Rule struct {
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description"`
	Vendor        string   `yaml:"vendor" json:"vendor,omitempty"`
	ProductFamily string   `yaml:"product_family" json:"product_family,omitempty"`
	Protocol      string   `yaml:"protocol" json:"protocol,omitempty"`
	Confidence    int      `yaml:"confidence" json:"confidence"`
	Role          string   `yaml:"role" json:"role,omitempty"`
	DeviceType    string   `yaml:"device_type" json:"device_type,omitempty"`
	Filters       []Filter `yaml:"filters" json:"filters,omitempty"`
	Payloads      []string `yaml:"payloads" json:"payloads,omitempty"`
}

// Filter is one rule criterion. Exactly one of Value, Range or Pattern is
// set.
type Filter struct {
	Field   string      `yaml:"field" json:"field"`
	Value   interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Range   []int64     `yaml:"range,omitempty" json:"range,omitempty"`
	Pattern string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	At      *int        `yaml:"at,omitempty" json:"at,omitempty"`
}

var validFields = map[string]bool{
	"tcp.src_port": true, "tcp.dst_port": true,
	"udp.src_port": true, "udp.dst_port": true,
	"src_ip": true, "dst_ip": true,
	"src_mac": true, "dst_mac": true,
	"payload": true, "ether_type": true, "ip_proto": true,
}

var validRoles = map[string]bool{"master": true, "slave": true, "client": true, "server": true}

var validDeviceTypes = map[string]bool{
	"plc": true, "rtu": true, "hmi": true, "historian": true,
	"engineering_workstation": true, "scada_server": true,
	"it_device": true, "unknown": true,
}

// matcher is one compiled filter predicate.
type matcher func(v *types.PacketView) bool

// CompiledRule is a parsed rule with its filter predicates baked.
type CompiledRule struct {
	Rule     Rule
	Source   string // filename the rule was loaded from
	matchers []matcher
}

// Matches evaluates every filter against the packet view.
func (r *CompiledRule) Matches(v *types.PacketView) bool {
	for _, m := range r.matchers {
		if !m(v) {
			return false
		}
	}
	return true
}

// ParseRule parses and compiles one rule document.
func ParseRule(data []byte) (*CompiledRule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if rule.Name == "" {
		return nil, fmt.Errorf("rule is missing a name")
	}
	if rule.Confidence < 1 || rule.Confidence > 5 {
		return nil, fmt.Errorf("rule %q: confidence %d outside 1..5", rule.Name, rule.Confidence)
	}
	if rule.Protocol != "" && !protocols.Valid(rule.Protocol) {
		return nil, fmt.Errorf("rule %q: unknown protocol %q", rule.Name, rule.Protocol)
	}
	if rule.Role != "" && !validRoles[rule.Role] {
		return nil, fmt.Errorf("rule %q: unknown role %q", rule.Name, rule.Role)
	}
	if rule.DeviceType != "" && !validDeviceTypes[rule.DeviceType] {
		return nil, fmt.Errorf("rule %q: unknown device_type %q", rule.Name, rule.DeviceType)
	}

	compiled := &CompiledRule{Rule: rule}
	for i := range rule.Filters {
		m, err := compileFilter(&rule.Filters[i])
		if err != nil {
			return nil, fmt.Errorf("rule %q filter %d: %w", rule.Name, i, err)
		}
		compiled.matchers = append(compiled.matchers, m)
	}
	for i, p := range rule.Payloads {
		pat, err := parsePattern(p)
		if err != nil {
			return nil, fmt.Errorf("rule %q payload %d: %w", rule.Name, i, err)
		}
		compiled.matchers = append(compiled.matchers, payloadMatcher(pat, nil))
	}
	return compiled, nil
}

func compileFilter(f *Filter) (matcher, error) {
	if !validFields[f.Field] {
		return nil, fmt.Errorf("unknown field %q", f.Field)
	}

	switch f.Field {
	case "payload":
		if f.Pattern == "" {
			return nil, fmt.Errorf("payload filter requires a pattern")
		}
		pat, err := parsePattern(f.Pattern)
		if err != nil {
			return nil, err
		}
		return payloadMatcher(pat, f.At), nil

	case "src_ip", "dst_ip":
		s, ok := f.Value.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%s filter requires a string value", f.Field)
		}
		return ipMatcher(f.Field, s)

	case "src_mac", "dst_mac":
		s, ok := f.Value.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%s filter requires a string value", f.Field)
		}
		return macMatcher(f.Field, s), nil

	default:
		// Numeric fields: ports, ether_type, ip_proto.
		if len(f.Range) == 2 {
			lo, hi := f.Range[0], f.Range[1]
			if lo > hi {
				return nil, fmt.Errorf("range [%d, %d] is inverted", lo, hi)
			}
			return numericMatcher(f.Field, lo, hi), nil
		}
		n, err := numericValue(f.Value)
		if err != nil {
			return nil, err
		}
		return numericMatcher(f.Field, n, n), nil
	}
}

func numericValue(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case uint64:
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s, base = s[2:], 16
		}
		n, err := strconv.ParseInt(s, base, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("filter requires a numeric value or a range")
	}
}

func numericMatcher(field string, lo, hi int64) matcher {
	return func(v *types.PacketView) bool {
		var n int64
		switch field {
		case "tcp.src_port":
			if v.Transport != types.TransportTCP {
				return false
			}
			n = int64(v.SrcPort)
		case "tcp.dst_port":
			if v.Transport != types.TransportTCP {
				return false
			}
			n = int64(v.DstPort)
		case "udp.src_port":
			if v.Transport != types.TransportUDP {
				return false
			}
			n = int64(v.SrcPort)
		case "udp.dst_port":
			if v.Transport != types.TransportUDP {
				return false
			}
			n = int64(v.DstPort)
		case "ether_type":
			n = int64(v.EtherType)
		case "ip_proto":
			n = int64(v.IPProto)
		default:
			return false
		}
		return n >= lo && n <= hi
	}
}

func ipMatcher(field, value string) (matcher, error) {
	src := field == "src_ip"
	if strings.Contains(value, "/") {
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			return nil, fmt.Errorf("bad CIDR %q", value)
		}
		return func(v *types.PacketView) bool {
			s := v.DstIP
			if src {
				s = v.SrcIP
			}
			ip := net.ParseIP(s)
			return ip != nil && cidr.Contains(ip)
		}, nil
	}
	want := net.ParseIP(value)
	if want == nil {
		return nil, fmt.Errorf("bad IP %q", value)
	}
	return func(v *types.PacketView) bool {
		s := v.DstIP
		if src {
			s = v.SrcIP
		}
		ip := net.ParseIP(s)
		return ip != nil && ip.Equal(want)
	}, nil
}

// normalizeMAC strips separators and uppercases, so prefix comparison
// works across colon and dash notations.
func normalizeMAC(s string) string {
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	return strings.ToUpper(s)
}

func macMatcher(field, value string) matcher {
	src := field == "src_mac"
	prefix := normalizeMAC(value)
	return func(v *types.PacketView) bool {
		s := v.DstMAC
		if src {
			s = v.SrcMAC
		}
		return strings.HasPrefix(normalizeMAC(s), prefix)
	}
}

func payloadMatcher(pat []byte, at *int) matcher {
	if at != nil {
		off := *at
		return func(v *types.PacketView) bool {
			if off < 0 || off+len(pat) > len(v.Payload) {
				return false
			}
			return bytes.Equal(v.Payload[off:off+len(pat)], pat)
		}
	}
	return func(v *types.PacketView) bool {
		return bytes.Contains(v.Payload, pat)
	}
}

// parsePattern turns a byte-literal string with \xNN escapes into the
// bytes to match.
func parsePattern(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if s[i] == '\\' {
			if i+1 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') {
				if i+4 > len(s) {
					return nil, fmt.Errorf("truncated \\x escape at offset %d", i)
				}
				b, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
				if err != nil {
					return nil, fmt.Errorf("bad \\x escape at offset %d", i)
				}
				out = append(out, byte(b))
				i += 4
				continue
			}
			if i+1 < len(s) && s[i+1] == '\\' {
				out = append(out, '\\')
				i += 2
				continue
			}
			return nil, fmt.Errorf("bad escape at offset %d", i)
		}
		out = append(out, s[i])
		i++
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty pattern")
	}
	return out, nil
}
