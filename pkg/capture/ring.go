// Package capture provides the frame sources (offline files, live
// interfaces) and the live capture coordinator.
package capture

import (
	"github.com/google/gopacket"

	"otscope/pkg/metrics"
)

// DefaultRingCapacity sizes the live frame ring for a sustained burst.
const DefaultRingCapacity = 100000

// dropWarnEvery controls how often a ring-drop warning event fires.
const dropWarnEvery = 1000

// StoredFrame is one raw frame retained for a possible save-on-stop.
type StoredFrame struct {
	Data []byte
	CI   gopacket.CaptureInfo
}

// FrameRing is a bounded ring of captured frames. When full, the oldest
// frame is dropped and the drop counter increments; aggregated state is
// never affected by drops.
type FrameRing struct {
	frames   []StoredFrame
	capacity int
	head     int // index of oldest
	size     int
	dropped  uint64

	onDropWarn func(dropped uint64)
}

// NewFrameRing creates a ring holding at most capacity frames.
func NewFrameRing(capacity int, onDropWarn func(dropped uint64)) *FrameRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &FrameRing{
		frames:     make([]StoredFrame, capacity),
		capacity:   capacity,
		onDropWarn: onDropWarn,
	}
}

// Push copies the frame into the ring, evicting the oldest when full.
func (r *FrameRing) Push(data []byte, ci gopacket.CaptureInfo) {
	owned := make([]byte, len(data))
	copy(owned, data)

	if r.size == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.size--
		r.dropped++
		metrics.RingDrops.Inc()
		if r.onDropWarn != nil && r.dropped%dropWarnEvery == 0 {
			r.onDropWarn(r.dropped)
		}
	}
	idx := (r.head + r.size) % r.capacity
	r.frames[idx] = StoredFrame{Data: owned, CI: ci}
	r.size++
}

// Dropped returns the cumulative drop count.
func (r *FrameRing) Dropped() uint64 { return r.dropped }

// Len returns the number of retained frames.
func (r *FrameRing) Len() int { return r.size }

// Frames returns the retained frames in capture order.
func (r *FrameRing) Frames() []StoredFrame {
	out := make([]StoredFrame, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.frames[(r.head+i)%r.capacity])
	}
	return out
}
