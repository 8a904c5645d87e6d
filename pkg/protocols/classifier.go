package protocols

import "otscope/pkg/types"

// Classification confidence follows the asset confidence ladder: a port
// heuristic alone scores 1, a confirmed payload shape scores 4.
const (
	ConfidencePort  = 1
	ConfidenceShape = 4
)

// ShapeProber validates that a payload plausibly carries a given protocol.
// Deep dissectors register probers so the classifier can upgrade a port
// hit to a shape hit without depending on the dissection layer.
type ShapeProber interface {
	Protocol() IcsProtocol
	Probe(payload []byte) bool
}

// Classification is the outcome of classifying one packet.
type Classification struct {
	Protocol   IcsProtocol
	Confidence int
}

// Classifier assigns IcsProtocol labels using the canonical port table
// first and registered payload-shape probers second.
type Classifier struct {
	probers []ShapeProber
	byProto map[IcsProtocol]ShapeProber
}

// NewClassifier creates a classifier with no shape probers registered.
func NewClassifier() *Classifier {
	return &Classifier{byProto: make(map[IcsProtocol]ShapeProber)}
}

// Register adds a shape prober. Probe order on the no-port-hit path is
// registration order, keeping classification deterministic.
func (c *Classifier) Register(p ShapeProber) {
	if _, dup := c.byProto[p.Protocol()]; !dup {
		c.probers = append(c.probers, p)
	}
	c.byProto[p.Protocol()] = p
}

// Classify labels a decoded packet. Destination port wins over source port
// on the heuristic stage; a successful shape probe upgrades confidence.
func (c *Classifier) Classify(pkt *types.DecodedPacket) Classification {
	if !pkt.HasPorts() {
		return Classification{Protocol: Unknown, Confidence: 0}
	}

	candidate := ByPort(pkt.L4, pkt.DstPort)
	if candidate == Unknown {
		candidate = ByPort(pkt.L4, pkt.SrcPort)
	}

	if candidate != Unknown {
		if prober, ok := c.byProto[candidate]; ok && len(pkt.Payload) > 0 {
			if prober.Probe(pkt.Payload) {
				return Classification{Protocol: candidate, Confidence: ConfidenceShape}
			}
		}
		return Classification{Protocol: candidate, Confidence: ConfidencePort}
	}

	// No port hit: a shape probe can still identify OT traffic on a
	// non-standard port.
	if len(pkt.Payload) > 0 {
		for _, prober := range c.probers {
			if prober.Probe(pkt.Payload) {
				return Classification{Protocol: prober.Protocol(), Confidence: ConfidenceShape}
			}
		}
	}
	return Classification{Protocol: Unknown, Confidence: 0}
}
