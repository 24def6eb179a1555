//go:build cgo

package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pagpeter/redirector/pkg/server"
)

// TCP packet capture variables
var (
	snapshotLen int32         = 1024
	promiscuous bool          = false
	timeout     time.Duration = 1 * time.Millisecond
)

// SniffTCP captures the SYNs sent to port on device and stores their
// fingerprints in srv, keyed by the peer address, until ctx is cancelled.
func SniffTCP(ctx context.Context, device string, port int, srv *server.Server) error {
	handle, err := pcap.OpenLive(device, snapshotLen, promiscuous, timeout)
	if err != nil {
		return fmt.Errorf("pcap open %s: %w", device, err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(fmt.Sprintf("tcp dst port %d", port)); err != nil {
		return fmt.Errorf("pcap filter: %w", err)
	}

	server.Log(fmt.Sprintf("Capturing SYNs to port %d on %s", port, device))
	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	prune := time.NewTicker(fingerprintTTL)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-prune.C:
			srv.PruneTCPFingerprints(now.Add(-fingerprintTTL))
		case packet, ok := <-packets:
			if !ok {
				return nil
			}
			pack, ok := Fingerprint(packet, port)
			if !ok {
				continue
			}
			src := net.JoinHostPort(pack.IP.SrcIP, strconv.Itoa(pack.SrcPort))
			srv.GetTCPFingerprints().Store(src, pack)
		}
	}
}
