package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"otscope/pkg/engine"
	"otscope/pkg/logging"
)

func main() {
	logging.Init()

	var (
		pcaps      = flag.String("pcap", "", "comma-separated capture files to import (pcap or pcapng)")
		iface      = flag.String("iface", "", "interface for live capture")
		bpf        = flag.String("bpf", "", "optional BPF filter for live capture")
		duration   = flag.Duration("duration", 0, "live capture duration (0 = until interrupted)")
		savePath   = flag.String("save", "", "write captured frames to this PCAP on stop")
		sigDir     = flag.String("signatures", "", "signature rule directory")
		watchSigs  = flag.Bool("watch-signatures", false, "hot-reload signatures on file changes")
		ouiPath    = flag.String("oui", "", "OUI vendor table (tab-separated)")
		geoipPath  = flag.String("geoip", "", "MMDB country database")
		listIfaces = flag.Bool("list-interfaces", false, "list capture interfaces and exit")
	)
	flag.Parse()

	cfg := engine.DefaultConfig()
	cfg.SignatureDir = *sigDir
	cfg.OUITablePath = *ouiPath
	cfg.GeoIPPath = *geoipPath
	eng := engine.New(cfg)

	if *listIfaces {
		ifaces, err := eng.ListInterfaces()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, info := range ifaces {
			fmt.Printf("%-16s %s %s\n", info.Name, info.Description, strings.Join(info.Addresses, ", "))
		}
		return
	}

	if *watchSigs && *sigDir != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := eng.WatchSignatures(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "signature watcher: %v\n", err)
		}
	}

	switch {
	case *pcaps != "":
		paths := strings.Split(*pcaps, ",")
		result, err := eng.ImportPcap(paths)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, fr := range result.PerFile {
			fmt.Printf("%-40s %8d packets  %s\n", fr.Filename, fr.PacketCount, fr.Status)
		}
		printInventory(eng)

	case *iface != "":
		if err := runLive(eng, *iface, *bpf, *duration, *savePath); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		printInventory(eng)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runLive(eng *engine.Engine, iface, bpf string, duration time.Duration, savePath string) error {
	if err := eng.StartCapture(iface, bpf); err != nil {
		return err
	}
	fmt.Printf("capturing on %s (ctrl-c to stop)\n", iface)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}

	stats := eng.CaptureStats()
	captureErrs := eng.CaptureErrors()
loop:
	for {
		select {
		case <-interrupt:
			break loop
		case <-timeout:
			break loop
		case err := <-captureErrs:
			fmt.Fprintf(os.Stderr, "capture error: %v\n", err)
			break loop
		case s := <-stats:
			fmt.Printf("\r%d packets, %.0f pps, %d assets, %d connections, %d dropped",
				s.PacketsCaptured, s.PacketsPerSecond, s.AssetCount, s.ActiveConnections, s.DroppedPackets)
		}
	}
	fmt.Println()

	summary, err := eng.StopCapture(savePath)
	if err != nil {
		return err
	}
	fmt.Printf("captured %d packets (%d bytes) in %.1fs\n",
		summary.PacketsCaptured, summary.BytesCaptured, summary.ElapsedSeconds)
	if summary.PcapSaved {
		fmt.Printf("saved %d packets to %s\n", summary.PacketsSaved, summary.PcapPath)
	}
	return nil
}

func printInventory(eng *engine.Engine) {
	assets := eng.GetAssets()
	fmt.Printf("\n%d assets:\n", len(assets))
	for _, a := range assets {
		line := fmt.Sprintf("  %-39s %-17s %-24s conf=%d", a.IP, a.MACAddress, a.DeviceType, a.Confidence)
		if a.Vendor != "" {
			line += " vendor=" + a.Vendor
		} else if a.OUIVendor != "" {
			line += " oui=" + a.OUIVendor
		}
		if len(a.Protocols) > 0 {
			line += " [" + strings.Join(a.Protocols, " ") + "]"
		}
		fmt.Println(line)
	}

	fmt.Println("\nprotocol stats:")
	for _, st := range eng.GetProtocolStats() {
		fmt.Printf("  %-20s %8d packets %10d bytes %4d connections %4d devices\n",
			st.Protocol, st.Packets, st.Bytes, st.Connections, st.Devices)
	}

	if rows := eng.GetFunctionCodeStats(); len(rows) > 0 {
		fmt.Println("\nfunction codes:")
		for _, row := range rows {
			rw := "read"
			if row.IsWrite {
				rw = "write"
			}
			fmt.Printf("  %-8s FC %3d %-32s %-5s %8d\n", row.Protocol, row.Code, row.Name, rw, row.Count)
		}
	}
}
