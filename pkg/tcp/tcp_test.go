package tcp

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func synPacket(t *testing.T, syn, ack bool, dstPort uint16) gopacket.Packet {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: layers.TCPPort(dstPort),
		SYN:     syn,
		ACK:     ack,
		Window:  64240,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
		},
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatal(err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
}

func TestFingerprintSYN(t *testing.T) {
	fp, ok := Fingerprint(synPacket(t, true, false, 80), 80)
	if !ok {
		t.Fatal("SYN to port 80 was not fingerprinted")
	}
	if fp.IP.SrcIP != "10.0.0.1" || fp.IP.TTL != 64 || fp.IP.IPVersion != 4 {
		t.Errorf("IP = %+v", fp.IP)
	}
	if fp.SrcPort != 40000 || fp.DstPort != 80 {
		t.Errorf("ports = %d -> %d", fp.SrcPort, fp.DstPort)
	}
	if fp.TCP.MSS != 1460 || fp.TCP.WindowScale != 7 || fp.TCP.Window != 64240 {
		t.Errorf("TCP = %+v", fp.TCP)
	}
	if fp.TCP.OptionsOrder != "2,1,3,1,1,4" {
		t.Errorf("OptionsOrder = %q", fp.TCP.OptionsOrder)
	}
	if fp.TCP.Options != "mss:1460,nop,ws:7,nop,nop,sok" {
		t.Errorf("Options = %q", fp.TCP.Options)
	}
	if fp.Seen == 0 {
		t.Error("Seen not set")
	}
}

func TestFingerprintIgnoresOtherSegments(t *testing.T) {
	tests := []struct {
		name     string
		syn, ack bool
		port     uint16
	}{
		{"syn-ack", true, true, 80},
		{"ack", false, true, 80},
		{"other port", true, false, 8080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Fingerprint(synPacket(t, tt.syn, tt.ack, tt.port), 80); ok {
				t.Error("segment was fingerprinted")
			}
		})
	}
}

func TestParseTCPOptionsEmpty(t *testing.T) {
	d := parseTCPOptions(nil)
	if d.Options != "" || d.OptionsOrder != "" || d.MSS != 0 {
		t.Errorf("parseTCPOptions(nil) = %+v", d)
	}
}
