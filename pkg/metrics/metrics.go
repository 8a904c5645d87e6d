// Package metrics registers the engine's Prometheus collectors. The
// counters are incremented from the pipeline; exposing them over HTTP is
// left to the embedding application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesRead counts raw frames pulled from any source.
	FramesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "otscope",
		Name:      "frames_read_total",
		Help:      "Raw frames read, by source kind (file or live).",
	}, []string{"source"})

	// DecodeErrors counts frames dropped by the L2-L4 decoder as malformed
	// and corrupt records met while reading capture files.
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otscope",
		Name:      "decode_errors_total",
		Help:      "Frames skipped due to malformed L2-L4 headers or corrupt capture-file records.",
	})

	// DeepParseErrors counts discarded deep parses (bad CRC, truncation).
	DeepParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otscope",
		Name:      "deep_parse_errors_total",
		Help:      "Deep protocol parses discarded as malformed.",
	})

	// SignatureMatches counts signature hits.
	SignatureMatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otscope",
		Name:      "signature_matches_total",
		Help:      "Signature rule matches across all packets.",
	})

	// RingDrops counts frames evicted from the live capture ring.
	RingDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "otscope",
		Name:      "ring_drops_total",
		Help:      "Frames dropped from the live capture ring buffer.",
	})

	// CaptureRate tracks the smoothed live packets-per-second figure.
	CaptureRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "otscope",
		Name:      "capture_packets_per_second",
		Help:      "Exponentially smoothed live capture packet rate.",
	})

	// CaptureActive is 1 while a live capture is running.
	CaptureActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "otscope",
		Name:      "capture_active",
		Help:      "Whether a live capture is currently active.",
	})
)
