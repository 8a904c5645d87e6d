package capture

import (
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"

	oterrors "otscope/pkg/errors"
	"otscope/pkg/logging"
	"otscope/pkg/metrics"
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StatePaused    State = "paused"
	StateError     State = "error"
)

const (
	statsInterval = 500 * time.Millisecond

	// rateAlpha smooths packets-per-second over roughly the last five
	// seconds of ticks.
	rateAlpha = 0.4

	// packetEventsPerSecond caps the packet-event sampling rate.
	packetEventsPerSecond = 50
)

// Stats is the throttled statistics snapshot published every 500 ms.
type Stats struct {
	PacketsCaptured   uint64  `json:"packets_captured"`
	PacketsPerSecond  float64 `json:"packets_per_second"`
	BytesCaptured     uint64  `json:"bytes_captured"`
	ActiveConnections int     `json:"active_connections"`
	AssetCount        int     `json:"asset_count"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
	DroppedPackets    uint64  `json:"dropped_packets"`
}

// PacketEvent is the sampled per-packet notification.
type PacketEvent struct {
	TimestampMicros int64 `json:"timestamp_us"`
	Length          int   `json:"length"`
}

// StopSummary reports the outcome of a stopped capture.
type StopSummary struct {
	PacketsCaptured uint64  `json:"packets_captured"`
	BytesCaptured   uint64  `json:"bytes_captured"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	PcapSaved       bool    `json:"pcap_saved"`
	PcapPath        string  `json:"pcap_path,omitempty"`
	PacketsSaved    int     `json:"packets_saved"`
}

// Status is the queryable coordinator state.
type Status struct {
	State     State  `json:"state"`
	Interface string `json:"interface,omitempty"`
	Stats     Stats  `json:"stats"`
}

// StatsProvider supplies store-level counts for statistics snapshots.
type StatsProvider interface {
	Counts() (assets, connections int)
}

// Coordinator owns the live capture worker, its frame ring, and the
// event channels. At most one capture is active at a time.
type Coordinator struct {
	logger   *logging.Logger
	provider StatsProvider
	ringCap  int

	mu     sync.Mutex
	state  State
	iface  string
	handle *pcap.Handle
	ring   *FrameRing
	paused bool

	stopCh     chan struct{}
	workerDone chan struct{}

	packetsCaptured uint64
	bytesCaptured   uint64
	startTime       time.Time
	rate            float64

	statsCh  chan Stats
	packetCh chan PacketEvent
	errorCh  chan error
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(ringCap int, provider StatsProvider) *Coordinator {
	if ringCap <= 0 {
		ringCap = DefaultRingCapacity
	}
	return &Coordinator{
		logger:   logging.NewLogger("live-capture", logging.INFO, false),
		provider: provider,
		ringCap:  ringCap,
		state:    StateIdle,
		statsCh:  make(chan Stats, 1),
		packetCh: make(chan PacketEvent, 256),
		errorCh:  make(chan error, 8),
	}
}

// StatsEvents is the capture-stats channel. Snapshots are coalesced
// latest-wins when the consumer lags.
func (c *Coordinator) StatsEvents() <-chan Stats { return c.statsCh }

// PacketEvents is the sampled packet-event channel.
func (c *Coordinator) PacketEvents() <-chan PacketEvent { return c.packetCh }

// ErrorEvents is the capture-error channel.
func (c *Coordinator) ErrorEvents() <-chan error { return c.errorCh }

// Start opens the interface and spawns the worker. It fails with a
// conflict error when a capture is already active.
func (c *Coordinator) Start(iface, bpf string, sink FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return oterrors.Newf(oterrors.KindConflict, "capture already active on %s", c.iface)
	}

	handle, err := openLive(iface, bpf)
	if err != nil {
		return err
	}

	c.state = StateCapturing
	c.iface = iface
	c.handle = handle
	c.paused = false
	c.packetsCaptured = 0
	c.bytesCaptured = 0
	c.rate = 0
	c.startTime = time.Now()
	c.stopCh = make(chan struct{})
	c.workerDone = make(chan struct{})
	c.ring = NewFrameRing(c.ringCap, func(dropped uint64) {
		c.logger.Warn("ring buffer dropping frames", logging.Fields{"dropped": dropped})
	})

	metrics.CaptureActive.Set(1)
	c.logger.Info("capture started", logging.Fields{"interface": iface, "bpf": bpf})

	go c.worker(sink, c.stopCh)
	go c.statsLoop(c.stopCh)
	return nil
}

// Pause freezes the downstream pipeline; frames read while paused are
// dropped. The interface stays open.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCapturing {
		return oterrors.Newf(oterrors.KindConflict, "cannot pause in state %s", c.state)
	}
	c.paused = true
	c.state = StatePaused
	return nil
}

// Resume re-enables the downstream pipeline.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return oterrors.Newf(oterrors.KindConflict, "cannot resume in state %s", c.state)
	}
	c.paused = false
	c.state = StateCapturing
	return nil
}

// Stop joins the worker, closes the interface and, when savePath is set,
// writes the retained ring as a microsecond-resolution Ethernet PCAP.
func (c *Coordinator) Stop(savePath string) (*StopSummary, error) {
	c.mu.Lock()
	if c.state == StateIdle || c.stopCh == nil {
		c.mu.Unlock()
		return nil, oterrors.New(oterrors.KindConflict, "no capture active")
	}
	stopCh := c.stopCh
	done := c.workerDone
	c.stopCh = nil
	c.mu.Unlock()

	close(stopCh)
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		c.handle.Close()
		c.handle = nil
	}

	summary := &StopSummary{
		PacketsCaptured: c.packetsCaptured,
		BytesCaptured:   c.bytesCaptured,
		ElapsedSeconds:  time.Since(c.startTime).Seconds(),
	}

	if savePath != "" && c.ring != nil {
		saved, err := writePcap(savePath, c.ring.Frames())
		if err != nil {
			c.logger.Error("failed to save capture", logging.Fields{"path": savePath, "error": err.Error()})
		} else {
			summary.PcapSaved = true
			summary.PcapPath = savePath
			summary.PacketsSaved = saved
		}
	}

	c.state = StateIdle
	c.iface = ""
	c.ring = nil
	metrics.CaptureActive.Set(0)
	metrics.CaptureRate.Set(0)
	c.logger.Info("capture stopped", logging.Fields{
		"packets": summary.PacketsCaptured, "bytes": summary.BytesCaptured,
	})
	return summary, nil
}

// Status returns the current state and statistics snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Interface: c.iface, Stats: c.snapshotLocked()}
}

// Active reports whether a capture is running or paused.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCapturing || c.state == StatePaused
}

func (c *Coordinator) snapshotLocked() Stats {
	s := Stats{
		PacketsCaptured:  c.packetsCaptured,
		BytesCaptured:    c.bytesCaptured,
		PacketsPerSecond: c.rate,
	}
	if !c.startTime.IsZero() && c.state != StateIdle {
		s.ElapsedSeconds = time.Since(c.startTime).Seconds()
	}
	if c.ring != nil {
		s.DroppedPackets = c.ring.Dropped()
	}
	if c.provider != nil {
		s.AssetCount, s.ActiveConnections = c.provider.Counts()
	}
	return s
}

// worker reads frames until stopped. The downstream pipeline runs inline;
// backpressure shows up as ring drops, never as a stalled device.
func (c *Coordinator) worker(sink FrameFunc, stopCh <-chan struct{}) {
	defer close(c.workerDone)

	origin := "live:" + c.iface
	var eventWindow time.Time
	eventCount := 0

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		data, ci, err := c.handle.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			select {
			case <-stopCh:
				return
			default:
			}
			c.mu.Lock()
			c.state = StateError
			iface := c.iface
			c.mu.Unlock()
			c.emitError(oterrors.Wrap(err, oterrors.KindCaptureDevice, "capture device error on "+iface))
			return
		}

		c.mu.Lock()
		paused := c.paused
		ring := c.ring
		c.mu.Unlock()
		if paused {
			// Paused: the device stays open, frames are discarded and
			// counters stay frozen.
			continue
		}

		metrics.FramesRead.WithLabelValues("live").Inc()
		ring.Push(data, ci)

		c.mu.Lock()
		c.packetsCaptured++
		c.bytesCaptured += uint64(len(data))
		c.mu.Unlock()

		sink(data, ci.Timestamp.UnixMicro(), origin)

		// Sampled packet events, capped per wall-clock second.
		now := ci.Timestamp
		if now.Sub(eventWindow) >= time.Second {
			eventWindow = now
			eventCount = 0
		}
		if eventCount < packetEventsPerSecond {
			select {
			case c.packetCh <- PacketEvent{TimestampMicros: ci.Timestamp.UnixMicro(), Length: len(data)}:
				eventCount++
			default:
			}
		}
	}
}

// statsLoop publishes a snapshot every 500 ms with an exponentially
// smoothed packet rate.
func (c *Coordinator) statsLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var lastPackets uint64
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		delta := c.packetsCaptured - lastPackets
		lastPackets = c.packetsCaptured
		instant := float64(delta) / statsInterval.Seconds()
		c.rate = rateAlpha*instant + (1-rateAlpha)*c.rate
		snapshot := c.snapshotLocked()
		c.mu.Unlock()

		metrics.CaptureRate.Set(snapshot.PacketsPerSecond)
		c.publishStats(snapshot)
	}
}

// publishStats delivers latest-wins: when the consumer lags, the stale
// snapshot is replaced rather than the fresh one dropped.
func (c *Coordinator) publishStats(s Stats) {
	select {
	case c.statsCh <- s:
		return
	default:
	}
	select {
	case <-c.statsCh:
	default:
	}
	select {
	case c.statsCh <- s:
	default:
	}
}

func (c *Coordinator) emitError(err error) {
	select {
	case c.errorCh <- err:
	default:
	}
}

// writePcap writes the retained frames, in capture order, as a classic
// PCAP file with Ethernet link type and microsecond resolution.
func writePcap(path string, frames []StoredFrame) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(liveSnapLen, layers.LinkTypeEthernet); err != nil {
		return 0, err
	}

	saved := 0
	for _, frame := range frames {
		ci := frame.CI
		ci.CaptureLength = len(frame.Data)
		if ci.Length < ci.CaptureLength {
			ci.Length = ci.CaptureLength
		}
		if err := w.WritePacket(ci, frame.Data); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}
