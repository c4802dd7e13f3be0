package packet

import (
	"bytes"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Header taken from the classic RFC 1071 worked example; its checksum field
// (offset 10) is 0xb1e6.
var referenceHeader = []byte{
	0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00,
	0x40, 0x06, 0xb1, 0xe6, 0xac, 0x10, 0x0a, 0x63,
	0xac, 0x10, 0x0a, 0x0c,
}

func TestChecksumReferenceVector(t *testing.T) {
	zeroed := make([]byte, len(referenceHeader))
	copy(zeroed, referenceHeader)
	zeroed[10], zeroed[11] = 0, 0

	if got := Checksum(zeroed); got != 0xb1e6 {
		t.Errorf("Checksum = %#04x, want 0xb1e6", got)
	}
	if !ValidateChecksum(referenceHeader) {
		t.Error("ValidateChecksum rejected a known-good header")
	}

	corrupted := make([]byte, len(referenceHeader))
	copy(corrupted, referenceHeader)
	corrupted[15] ^= 0x01
	if ValidateChecksum(corrupted) {
		t.Error("ValidateChecksum accepted a corrupted header")
	}
}

func TestChecksumDeterminismAndOddLength(t *testing.T) {
	bufs := [][]byte{
		{},
		{0x01},
		{0x01, 0x02, 0x03},
		{0xff, 0xff, 0xff, 0xff, 0xff},
		bytes.Repeat([]byte{0xab}, 1501),
	}
	for _, buf := range bufs {
		first := Checksum(buf)
		second := Checksum(buf)
		if first != second {
			t.Errorf("Checksum not deterministic for len %d: %#04x vs %#04x", len(buf), first, second)
		}
	}
}

func TestParseIPv4HeaderRejectsMalformed(t *testing.T) {
	good := BuildIPv4Packet("10.0.0.2", "1.2.3.4", ProtocolTCP, []byte("x"), 7, 0)
	if good == nil || ParseIPv4Header(good) == nil {
		t.Fatal("failed to build/parse a well-formed packet")
	}

	cases := map[string][]byte{
		"short":      good[:19],
		"version 6":  append([]byte{0x65}, good[1:]...),
		"bad ihl":    append([]byte{0x4F}, good[1:]...),
		"long total": good,
	}
	longTotal := make([]byte, len(good))
	copy(longTotal, good)
	longTotal[2], longTotal[3] = 0xff, 0xff
	cases["long total"] = longTotal

	for name, b := range cases {
		if h := ParseIPv4Header(b); h != nil {
			t.Errorf("%s: expected nil header, got %+v", name, h)
		}
	}
}

func TestAccessorSentinels(t *testing.T) {
	short := []byte{0x45, 0x00}
	if p := Protocol(short); p != ProtocolUnknown {
		t.Errorf("Protocol on short input = %d, want sentinel %d", p, ProtocolUnknown)
	}
	if s := SourceIP(short); s != "" {
		t.Errorf("SourceIP on short input = %q, want empty", s)
	}
	if d := DestinationIP(short); d != "" {
		t.Errorf("DestinationIP on short input = %q, want empty", d)
	}
	if hl := HeaderLength(short); hl != 0 {
		t.Errorf("HeaderLength on short input = %d, want 0", hl)
	}

	pkt := BuildIPv4Packet("192.168.1.5", "8.8.8.8", ProtocolUDP, nil, 1, 0)
	if p := Protocol(pkt); p != ProtocolUDP {
		t.Errorf("Protocol = %d, want %d", p, ProtocolUDP)
	}
	if s := SourceIP(pkt); s != "192.168.1.5" {
		t.Errorf("SourceIP = %q", s)
	}
	if d := DestinationIP(pkt); d != "8.8.8.8" {
		t.Errorf("DestinationIP = %q", d)
	}
	if hl := HeaderLength(pkt); hl != IPv4HeaderLength {
		t.Errorf("HeaderLength = %d, want %d", hl, IPv4HeaderLength)
	}
}

func TestIPv4RoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox")
	pkt := BuildIPv4Packet("10.0.0.2", "93.184.216.34", ProtocolTCP, payload, 4242, 0)
	if pkt == nil {
		t.Fatal("BuildIPv4Packet returned nil")
	}

	h := ParseIPv4Header(pkt)
	if h == nil {
		t.Fatal("ParseIPv4Header rejected a built packet")
	}
	if h.SrcIP != "10.0.0.2" || h.DstIP != "93.184.216.34" {
		t.Errorf("addresses = %s -> %s", h.SrcIP, h.DstIP)
	}
	if h.Protocol != ProtocolTCP {
		t.Errorf("protocol = %d", h.Protocol)
	}
	if h.Identification != 4242 {
		t.Errorf("id = %d", h.Identification)
	}
	if h.TTL != DefaultTTL {
		t.Errorf("ttl = %d", h.TTL)
	}
	if h.TotalLength != len(pkt) {
		t.Errorf("total length = %d, want %d", h.TotalLength, len(pkt))
	}
	if !bytes.Equal(pkt[h.HeaderLength:], payload) {
		t.Error("payload not recovered after header length")
	}
	if !ValidateChecksum(pkt) {
		t.Error("ValidateChecksum rejected a built packet")
	}
}

func TestBuildTCPPacketAgainstGopacket(t *testing.T) {
	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	raw := BuildTCPPacket("10.0.0.2", "1.2.3.4", 49152, 80, 1000, 2000, FlagPSH|FlagACK, 65535, payload, NextID())
	if raw == nil {
		t.Fatal("BuildTCPPacket returned nil")
	}

	decoded := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	if err := decoded.ErrorLayer(); err != nil {
		t.Fatalf("gopacket failed to decode built packet: %v", err.Error())
	}
	ip4, _ := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip4 == nil {
		t.Fatal("no IPv4 layer decoded")
	}
	if ip4.SrcIP.String() != "10.0.0.2" || ip4.DstIP.String() != "1.2.3.4" {
		t.Errorf("gopacket addresses = %s -> %s", ip4.SrcIP, ip4.DstIP)
	}
	tcp, _ := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if tcp == nil {
		t.Fatal("no TCP layer decoded")
	}
	if uint16(tcp.SrcPort) != 49152 || uint16(tcp.DstPort) != 80 {
		t.Errorf("ports = %d -> %d", tcp.SrcPort, tcp.DstPort)
	}
	if tcp.Seq != 1000 || tcp.Ack != 2000 {
		t.Errorf("seq/ack = %d/%d", tcp.Seq, tcp.Ack)
	}
	if !tcp.PSH || !tcp.ACK || tcp.SYN || tcp.FIN || tcp.RST {
		t.Errorf("flags decoded wrong: %+v", tcp)
	}
	if !bytes.Equal(tcp.Payload, payload) {
		t.Error("payload mismatch after gopacket decode")
	}
}

func TestBuildUDPPacketAgainstGopacket(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := BuildUDPPacket("10.0.0.2", "8.8.4.4", 51000, 53, payload, NextID())
	if raw == nil {
		t.Fatal("BuildUDPPacket returned nil")
	}

	decoded := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	udp, _ := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil {
		t.Fatal("no UDP layer decoded")
	}
	if uint16(udp.SrcPort) != 51000 || uint16(udp.DstPort) != 53 {
		t.Errorf("ports = %d -> %d", udp.SrcPort, udp.DstPort)
	}
	if int(udp.Length) != UDPHeaderLength+len(payload) {
		t.Errorf("udp length = %d", udp.Length)
	}
	if !bytes.Equal(udp.Payload, payload) {
		t.Error("payload mismatch after gopacket decode")
	}
}

func TestTransportChecksumSensitivity(t *testing.T) {
	base := BuildTCPPacket("10.0.0.2", "1.2.3.4", 49152, 80, 1, 1, FlagACK, 1024, []byte("abc"), 1)
	baseSum := ParseTCPHeader(base[IPv4HeaderLength:]).Checksum
	if baseSum == 0 {
		t.Error("transport checksum unexpectedly zero")
	}

	variants := map[string][]byte{
		"source ip": BuildTCPPacket("10.0.0.3", "1.2.3.4", 49152, 80, 1, 1, FlagACK, 1024, []byte("abc"), 1),
		"payload":   BuildTCPPacket("10.0.0.2", "1.2.3.4", 49152, 80, 1, 1, FlagACK, 1024, []byte("abd"), 1),
		"port":      BuildTCPPacket("10.0.0.2", "1.2.3.4", 49153, 80, 1, 1, FlagACK, 1024, []byte("abc"), 1),
	}
	for name, raw := range variants {
		sum := ParseTCPHeader(raw[IPv4HeaderLength:]).Checksum
		if sum == baseSum {
			t.Errorf("checksum did not change when %s changed", name)
		}
	}
}

func TestParseTCPHeader(t *testing.T) {
	raw := BuildTCPPacket("10.0.0.2", "1.2.3.4", 1234, 443, 77, 88, FlagSYN, 512, nil, 1)
	h := ParseTCPHeader(raw[IPv4HeaderLength:])
	if h == nil {
		t.Fatal("ParseTCPHeader rejected a built segment")
	}
	if h.SrcPort != 1234 || h.DstPort != 443 || h.Seq != 77 || h.Ack != 88 {
		t.Errorf("parsed header = %+v", h)
	}
	if h.Flags != FlagSYN {
		t.Errorf("flags = %#02x, want SYN", h.Flags)
	}
	if h.DataOffset != TCPHeaderLength {
		t.Errorf("data offset = %d", h.DataOffset)
	}
	if ParseTCPHeader(raw[IPv4HeaderLength : IPv4HeaderLength+10]) != nil {
		t.Error("ParseTCPHeader accepted a truncated segment")
	}
}

func TestParseUDPHeader(t *testing.T) {
	raw := BuildUDPPacket("10.0.0.2", "1.2.3.4", 1234, 5353, []byte("hi"), 1)
	h := ParseUDPHeader(raw[IPv4HeaderLength:])
	if h == nil {
		t.Fatal("ParseUDPHeader rejected a built segment")
	}
	if h.SrcPort != 1234 || h.DstPort != 5353 || h.Length != 10 {
		t.Errorf("parsed header = %+v", h)
	}
	if ParseUDPHeader([]byte{1, 2, 3}) != nil {
		t.Error("ParseUDPHeader accepted a truncated segment")
	}
}
