// Package engine composes the pipeline: frame sources feed the decoder,
// the classifier, the deep parsers and the signature engine, and every
// stage's output lands in the topology store. The engine is the single
// entry point the surrounding application talks to.
package engine

import (
	"context"
	"sort"
	"sync"

	"otscope/pkg/capture"
	"otscope/pkg/decode"
	"otscope/pkg/dissect"
	"otscope/pkg/enrich"
	oterrors "otscope/pkg/errors"
	"otscope/pkg/logging"
	"otscope/pkg/metrics"
	"otscope/pkg/protocols"
	"otscope/pkg/signatures"
	"otscope/pkg/topology"
	"otscope/pkg/types"
)

// DefaultRecentWindow is how many recent packet views are retained for
// signature testing.
const DefaultRecentWindow = 10000

// Config wires the engine's file paths and buffer sizes. The zero value
// plus DefaultConfig() covers everything.
type Config struct {
	SignatureDir    string
	OUITablePath    string
	GeoIPPath       string
	RingCapacity    int
	PacketBufferCap int
	RecentWindow    int
}

// DefaultConfig returns the engine defaults with no oracle or signature
// paths set.
func DefaultConfig() Config {
	return Config{
		RingCapacity:    capture.DefaultRingCapacity,
		PacketBufferCap: topology.DefaultPacketBufferCap,
		RecentWindow:    DefaultRecentWindow,
	}
}

// Engine owns the shared pipeline and mediates all access to it.
type Engine struct {
	cfg    Config
	logger *logging.Logger

	store      *topology.Store
	classifier *protocols.Classifier
	registry   *dissect.Registry
	sigs       *signatures.Engine
	coord      *capture.Coordinator
	files      *capture.FileSource

	decodeCounts decode.Counters

	// mu guards the writer exclusion between file import and live
	// capture; the two are never concurrent.
	mu        sync.Mutex
	importing bool

	windowMu  sync.Mutex
	window    []types.PacketView
	windowPos int
	windowLen int
}

// New builds the engine: oracles loaded once, dissectors registered as
// both deep parsers and shape probers, signatures loaded from the
// configured directory.
func New(cfg Config) *Engine {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}

	oui := enrich.NewOUIOracle(cfg.OUITablePath)
	geo := enrich.NewGeoIPOracle(cfg.GeoIPPath)
	store := topology.NewStore(oui, geo, cfg.PacketBufferCap)

	modbus := dissect.NewModbusDissector()
	dnp3 := dissect.NewDNP3Dissector()
	registry := dissect.NewRegistry(modbus, dnp3)

	classifier := protocols.NewClassifier()
	classifier.Register(modbus)
	classifier.Register(dnp3)

	e := &Engine{
		cfg:        cfg,
		logger:     logging.NewLogger("engine", logging.INFO, false),
		store:      store,
		classifier: classifier,
		registry:   registry,
		sigs:       signatures.NewEngine(cfg.SignatureDir),
		files:      capture.NewFileSource(),
		window:     make([]types.PacketView, cfg.RecentWindow),
	}
	e.coord = capture.NewCoordinator(cfg.RingCapacity, store)

	if cfg.SignatureDir != "" {
		result := e.sigs.Reload()
		e.logger.Info("initial signature load", logging.Fields{
			"loaded": result.Loaded, "errors": len(result.Errors),
		})
	}
	return e
}

// Store exposes the topology store for read-side integrations.
func (e *Engine) Store() *topology.Store { return e.store }

// processFrame runs one raw frame through decode, classify, deep parse,
// signature match and store update. It is the single pipeline entry for
// both the file importer and the live worker.
func (e *Engine) processFrame(dec *decode.Decoder, data []byte, tsMicros int64, origin string) {
	malformedBefore := e.decodeCounts.Malformed.Load()
	pkt := dec.Decode(data, tsMicros, origin)
	if pkt == nil {
		if e.decodeCounts.Malformed.Load() > malformedBefore {
			metrics.DecodeErrors.Inc()
		}
		return
	}

	cls := e.classifier.Classify(pkt)
	deep := e.store.Deep()
	parseErrorsBefore := deep.ParseErrors()
	deepConfirmed, events := e.registry.Parse(pkt, deep)
	if n := deep.ParseErrors() - parseErrorsBefore; n > 0 {
		metrics.DeepParseErrors.Add(float64(n))
	}

	view := types.ViewOf(pkt, dec.EtherType())
	matches := e.sigs.Match(&view)

	e.store.Ingest(pkt, cls, deepConfirmed, matches)
	for _, ev := range events {
		if ev.DeviceIdentity != nil {
			e.store.ApplyDeviceIdentity(ev.DeviceIdentity)
		}
	}

	e.pushView(view)
}

func (e *Engine) pushView(v types.PacketView) {
	e.windowMu.Lock()
	e.window[e.windowPos] = v
	e.windowPos = (e.windowPos + 1) % len(e.window)
	if e.windowLen < len(e.window) {
		e.windowLen++
	}
	e.windowMu.Unlock()
}

// recentWindow snapshots the retained packet views, oldest first.
func (e *Engine) recentWindow() []types.PacketView {
	e.windowMu.Lock()
	defer e.windowMu.Unlock()
	out := make([]types.PacketView, 0, e.windowLen)
	start := e.windowPos - e.windowLen
	if start < 0 {
		start += len(e.window)
	}
	for i := 0; i < e.windowLen; i++ {
		out = append(out, e.window[(start+i)%len(e.window)])
	}
	return out
}

// ImportPcap processes capture files sequentially in caller order. The
// call is synchronous and mutually exclusive with live capture.
func (e *Engine) ImportPcap(paths []string) (*types.ImportResult, error) {
	e.mu.Lock()
	if e.coord.Active() {
		e.mu.Unlock()
		return nil, oterrors.New(oterrors.KindConflict, "live capture active; stop it before importing")
	}
	if e.importing {
		e.mu.Unlock()
		return nil, oterrors.New(oterrors.KindConflict, "import already running")
	}
	e.importing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.importing = false
		e.mu.Unlock()
	}()

	dec := decode.NewDecoder(&e.decodeCounts)
	result := &types.ImportResult{}

	for _, path := range paths {
		fileResult := e.files.ReadFile(path, func(data []byte, tsMicros int64, origin string) {
			e.processFrame(dec, data, tsMicros, origin)
		})
		result.PacketCount += fileResult.PacketCount
		result.PerFile = append(result.PerFile, fileResult)
	}

	result.AssetCount, result.ConnectionCount = e.store.Counts()
	e.logger.Info("import complete", logging.Fields{
		"files":       len(paths),
		"packets":     result.PacketCount,
		"assets":      result.AssetCount,
		"connections": result.ConnectionCount,
	})
	return result, nil
}

// ListInterfaces enumerates capture-capable interfaces.
func (e *Engine) ListInterfaces() ([]capture.InterfaceInfo, error) {
	return capture.ListInterfaces()
}

// StartCapture begins a live capture. Rejected while an import runs.
func (e *Engine) StartCapture(iface, bpf string) error {
	e.mu.Lock()
	if e.importing {
		e.mu.Unlock()
		return oterrors.New(oterrors.KindConflict, "import running; capture rejected")
	}
	e.mu.Unlock()

	dec := decode.NewDecoder(&e.decodeCounts)
	return e.coord.Start(iface, bpf, func(data []byte, tsMicros int64, origin string) {
		e.processFrame(dec, data, tsMicros, origin)
	})
}

// StopCapture stops the live capture, optionally saving the ring to a
// PCAP file.
func (e *Engine) StopCapture(savePath string) (*capture.StopSummary, error) {
	return e.coord.Stop(savePath)
}

// PauseCapture gates the downstream pipeline without losing the device.
func (e *Engine) PauseCapture() error { return e.coord.Pause() }

// ResumeCapture re-opens the downstream pipeline.
func (e *Engine) ResumeCapture() error { return e.coord.Resume() }

// CaptureStatus reports the coordinator state and statistics.
func (e *Engine) CaptureStatus() capture.Status { return e.coord.Status() }

// CaptureStats is the throttled statistics event channel.
func (e *Engine) CaptureStats() <-chan capture.Stats { return e.coord.StatsEvents() }

// CaptureErrors is the capture-error event channel.
func (e *Engine) CaptureErrors() <-chan error { return e.coord.ErrorEvents() }

// PacketEvents is the sampled per-packet event channel.
func (e *Engine) PacketEvents() <-chan capture.PacketEvent { return e.coord.PacketEvents() }

// GetTopology returns the whole-graph snapshot.
func (e *Engine) GetTopology() *types.Topology { return e.store.Topology() }

// GetAssets returns all assets in first-seen order.
func (e *Engine) GetAssets() []*types.Asset { return e.store.Assets() }

// GetConnections returns all connections in first-seen order.
func (e *Engine) GetConnections() []*types.Connection { return e.store.Connections() }

// GetConnectionPackets returns the bounded packet history of one edge.
func (e *Engine) GetConnectionPackets(id string) ([]types.PacketSummary, error) {
	return e.store.ConnectionPackets(id)
}

// GetProtocolStats returns per-protocol traffic aggregates.
func (e *Engine) GetProtocolStats() []types.ProtocolStats { return e.store.ProtocolStats() }

// GetDeepParseInfo returns the deep-parse record for one asset.
func (e *Engine) GetDeepParseInfo(ip string) (*dissect.DeviceState, error) {
	return e.store.DeepParseInfo(ip)
}

// GetSignatures lists the active signature rules.
func (e *Engine) GetSignatures() []signatures.Rule { return e.sigs.Rules() }

// ReloadSignatures re-reads the signature directory atomically.
func (e *Engine) ReloadSignatures() signatures.ReloadResult { return e.sigs.Reload() }

// TestSignature evaluates a candidate rule against the recent-packet
// window without loading it.
func (e *Engine) TestSignature(ruleText string) (*signatures.TestResult, error) {
	result, err := e.sigs.Test(ruleText, e.recentWindow())
	if err != nil {
		return nil, oterrors.Wrap(err, oterrors.KindSignatureParse, "rule under test")
	}
	return result, nil
}

// WatchSignatures hot-reloads the rule set on signature-file changes
// until the context is cancelled.
func (e *Engine) WatchSignatures(ctx context.Context) error {
	w, err := signatures.NewWatcher(e.sigs)
	if err != nil {
		return err
	}
	return w.Start(ctx)
}

// FunctionCodeRow is one GetFunctionCodeStats row, aggregated across
// devices per protocol.
type FunctionCodeRow struct {
	Protocol string `json:"protocol"`
	Code     uint8  `json:"code"`
	Name     string `json:"name"`
	Count    uint64 `json:"count"`
	IsWrite  bool   `json:"is_write"`
	Devices  int    `json:"devices"`
}

// GetFunctionCodeStats aggregates observed function codes across every
// device, per protocol.
func (e *Engine) GetFunctionCodeStats() []FunctionCodeRow {
	type key struct {
		protocol string
		code     uint8
	}
	rows := make(map[key]*FunctionCodeRow)

	add := func(protocol string, stats []dissect.FunctionCodeStat) {
		for _, fc := range stats {
			k := key{protocol, fc.Code}
			row, ok := rows[k]
			if !ok {
				row = &FunctionCodeRow{Protocol: protocol, Code: fc.Code, Name: fc.Name, IsWrite: fc.IsWrite}
				rows[k] = row
			}
			row.Count += fc.Count
			row.Devices++
		}
	}

	deep := e.store.Deep()
	for _, ip := range deep.IPs() {
		dev := deep.Get(ip)
		if dev == nil {
			continue
		}
		if dev.Modbus != nil {
			add(string(protocols.Modbus), dev.Modbus.FunctionCodes)
		}
		if dev.DNP3 != nil {
			add(string(protocols.DNP3), dev.DNP3.FunctionCodes)
		}
	}

	out := make([]FunctionCodeRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// DecodeStats reports the decoder's counters.
func (e *Engine) DecodeStats() (frames, malformed, nonIP uint64) {
	return e.decodeCounts.Frames.Load(), e.decodeCounts.Malformed.Load(), e.decodeCounts.NonIP.Load()
}
