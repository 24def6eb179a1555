package tcp

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pagpeter/redirector/pkg/types"
)

// fingerprintTTL is how long a captured SYN waits for its request.
const fingerprintTTL = time.Minute

func parseIP(packet gopacket.Packet) *types.IPDetails {
	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		return &types.IPDetails{
			DstIP:     ip.DstIP.String(),
			SrcIP:     ip.SrcIP.String(),
			TTL:       int(ip.TTL),
			IPVersion: 4,
		}
	}
	if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		return &types.IPDetails{
			DstIP:     ip.DstIP.String(),
			SrcIP:     ip.SrcIP.String(),
			TTL:       int(ip.HopLimit),
			IPVersion: 6,
		}
	}
	return nil
}

// Fingerprint extracts the IP and TCP details of an opening SYN sent to
// port. Anything else is rejected.
func Fingerprint(packet gopacket.Packet, port int) (types.TCPIPDetails, bool) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return types.TCPIPDetails{}, false
	}
	tcp := tcpLayer.(*layers.TCP)
	if !tcp.SYN || tcp.ACK || int(tcp.DstPort) != port {
		return types.TCPIPDetails{}, false
	}
	ip := parseIP(packet)
	if ip == nil {
		return types.TCPIPDetails{}, false
	}

	opts := parseTCPOptions(tcp.Options)
	opts.Window = int(tcp.Window)
	return types.TCPIPDetails{
		SrcPort: int(tcp.SrcPort),
		DstPort: int(tcp.DstPort),
		IP:      *ip,
		TCP:     opts,
		Seen:    time.Now().Unix(),
	}, true
}

// parseTCPOptions describes the options of a SYN. Options lists them as
// text ("mss:1460,nop,ws:7,sok") and OptionsOrder as their kind numbers
// ("2,1,3,4").
func parseTCPOptions(options []layers.TCPOption) types.TCPDetails {
	var d types.TCPDetails
	desc := make([]string, 0, len(options))
	order := make([]string, 0, len(options))

	for _, o := range options {
		order = append(order, strconv.Itoa(int(o.OptionType)))
		switch o.OptionType {
		case layers.TCPOptionKindEndList:
			desc = append(desc, "eol")
		case layers.TCPOptionKindNop:
			desc = append(desc, "nop")
		case layers.TCPOptionKindMSS:
			if len(o.OptionData) == 2 {
				d.MSS = int(binary.BigEndian.Uint16(o.OptionData))
			}
			desc = append(desc, "mss:"+strconv.Itoa(d.MSS))
		case layers.TCPOptionKindWindowScale:
			if len(o.OptionData) == 1 {
				d.WindowScale = int(o.OptionData[0])
			}
			desc = append(desc, "ws:"+strconv.Itoa(d.WindowScale))
		case layers.TCPOptionKindSACKPermitted:
			desc = append(desc, "sok")
		case layers.TCPOptionKindSACK:
			desc = append(desc, "sack")
		case layers.TCPOptionKindTimestamps:
			desc = append(desc, "ts")
		default:
			desc = append(desc, "?"+strconv.Itoa(int(o.OptionType)))
		}
	}
	d.Options = strings.Join(desc, ",")
	d.OptionsOrder = strings.Join(order, ",")
	return d
}
