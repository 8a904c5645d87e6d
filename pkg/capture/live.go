package capture

import (
	"time"

	"github.com/google/gopacket/pcap"

	oterrors "otscope/pkg/errors"
)

const (
	liveSnapLen = 65536

	// liveReadTimeout bounds one frame wait so a stop signal is observed
	// promptly.
	liveReadTimeout = 250 * time.Millisecond
)

// InterfaceInfo describes one capturable interface.
type InterfaceInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
	Loopback    bool     `json:"loopback"`
}

// ListInterfaces enumerates the host's capture-capable interfaces.
func ListInterfaces() ([]InterfaceInfo, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, oterrors.Wrap(err, oterrors.KindCaptureDevice, "listing interfaces")
	}
	out := make([]InterfaceInfo, 0, len(devs))
	for _, dev := range devs {
		info := InterfaceInfo{
			Name:        dev.Name,
			Description: dev.Description,
			Loopback:    dev.Flags&0x1 != 0,
		}
		for _, addr := range dev.Addresses {
			if addr.IP != nil {
				info.Addresses = append(info.Addresses, addr.IP.String())
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// openLive opens an interface in promiscuous, receive-only mode with an
// optional BPF filter. The handle never transmits: no send path is
// exercised, and capture direction is restricted to inbound-on-the-wire.
func openLive(iface, bpf string) (*pcap.Handle, error) {
	handle, err := pcap.OpenLive(iface, liveSnapLen, true, liveReadTimeout)
	if err != nil {
		return nil, oterrors.Wrap(err, oterrors.KindCaptureDevice, "opening "+iface)
	}
	// Not all platforms support direction filtering; capture still
	// refuses to send because no transmit call exists in this path.
	_ = handle.SetDirection(pcap.DirectionIn)
	if bpf != "" {
		if err := handle.SetBPFFilter(bpf); err != nil {
			handle.Close()
			return nil, oterrors.Wrap(err, oterrors.KindCaptureDevice, "invalid BPF filter")
		}
	}
	return handle, nil
}
