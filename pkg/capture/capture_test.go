package capture

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestFrameRingEviction(t *testing.T) {
	var warned []uint64
	ring := NewFrameRing(3, func(dropped uint64) { warned = append(warned, dropped) })

	ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0)}
	for i := 0; i < 5; i++ {
		ring.Push([]byte{byte(i)}, ci)
	}

	if ring.Len() != 3 {
		t.Fatalf("ring length = %d, want 3", ring.Len())
	}
	if ring.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", ring.Dropped())
	}

	frames := ring.Frames()
	for i, frame := range frames {
		if frame.Data[0] != byte(i+2) {
			t.Errorf("frame %d holds %d, want oldest-dropped order", i, frame.Data[0])
		}
	}
}

func TestFrameRingDropWarnCadence(t *testing.T) {
	var warned int
	ring := NewFrameRing(1, func(uint64) { warned++ })

	ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0)}
	for i := 0; i < 2001; i++ {
		ring.Push([]byte{0}, ci)
	}
	// 2000 drops -> warnings at 1000 and 2000.
	if warned != 2 {
		t.Errorf("warnings = %d, want 2", warned)
	}
}

func TestFrameRingCopiesData(t *testing.T) {
	ring := NewFrameRing(4, nil)
	buf := []byte{0xAA}
	ring.Push(buf, gopacket.CaptureInfo{})
	buf[0] = 0xBB

	if ring.Frames()[0].Data[0] != 0xAA {
		t.Error("ring must own a copy of the frame bytes")
	}
}

func testFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x80, 0xF4, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x0E, 0x8C, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 0, 0, 5}, DstIP: net.IP{10, 0, 0, 10}}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 502, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestWriteAndReadPcapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.pcap")

	ts := time.Unix(1700000000, 123456000).UTC()
	frame := testFrame(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x01, 0x03})
	frames := []StoredFrame{
		{Data: frame, CI: gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}},
		{Data: frame, CI: gopacket.CaptureInfo{Timestamp: ts.Add(time.Millisecond), CaptureLength: len(frame), Length: len(frame)}},
	}

	saved, err := writePcap(path, frames)
	if err != nil {
		t.Fatal(err)
	}
	if saved != 2 {
		t.Fatalf("saved = %d, want 2", saved)
	}

	src := NewFileSource()
	var got []int64
	result := src.ReadFile(path, func(data []byte, tsMicros int64, origin string) {
		got = append(got, tsMicros)
		if origin != "saved.pcap" {
			t.Errorf("origin = %q", origin)
		}
		if len(data) != len(frame) {
			t.Errorf("frame length = %d, want %d", len(data), len(frame))
		}
	})

	if result.Status != "ok" || result.PacketCount != 2 {
		t.Fatalf("read result: %+v", result)
	}
	if got[0] != ts.UnixMicro() {
		t.Errorf("timestamp = %d, want %d", got[0], ts.UnixMicro())
	}
}

func TestReadFileMissing(t *testing.T) {
	src := NewFileSource()
	result := src.ReadFile("/nonexistent/capture.pcap", func([]byte, int64, string) {})
	if result.Status == "ok" {
		t.Error("missing file must report an error status")
	}
	if result.PacketCount != 0 {
		t.Error("missing file must report zero packets")
	}
}

func TestReadFileEmptyAndTruncated(t *testing.T) {
	dir := t.TempDir()

	// A header-only PCAP parses as zero packets.
	empty := filepath.Join(dir, "empty.pcap")
	if _, err := writePcap(empty, nil); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource()
	result := src.ReadFile(empty, func([]byte, int64, string) {})
	if result.Status != "ok" || result.PacketCount != 0 {
		t.Errorf("empty pcap: %+v", result)
	}

	// A truncated last record skips the bad frame but keeps the good one.
	full := filepath.Join(dir, "full.pcap")
	frame := testFrame(t, []byte{0x01})
	ci := gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), CaptureLength: len(frame), Length: len(frame)}
	if _, err := writePcap(full, []StoredFrame{{Data: frame, CI: ci}, {Data: frame, CI: ci}}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	truncated := filepath.Join(dir, "truncated.pcap")
	if err := os.WriteFile(truncated, data[:len(data)-10], 0o644); err != nil {
		t.Fatal(err)
	}

	result = src.ReadFile(truncated, func([]byte, int64, string) {})
	if result.PacketCount != 1 {
		t.Errorf("truncated pcap kept %d packets, want 1", result.PacketCount)
	}
	if result.Status != "ok" {
		t.Errorf("truncation must not fail the file: %+v", result)
	}
}

func TestCoordinatorLifecycleGuards(t *testing.T) {
	c := NewCoordinator(16, nil)

	if err := c.Pause(); err == nil {
		t.Error("pause while idle must fail")
	}
	if err := c.Resume(); err == nil {
		t.Error("resume while idle must fail")
	}
	if _, err := c.Stop(""); err == nil {
		t.Error("stop while idle must fail")
	}
	if c.Active() {
		t.Error("fresh coordinator must be idle")
	}
	if got := c.Status(); got.State != StateIdle {
		t.Errorf("state = %s, want idle", got.State)
	}
}
