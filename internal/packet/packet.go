package packet

import (
	"encoding/binary"
	"net"
	"sync/atomic"
)

// IP protocol numbers the relay cares about. ProtocolUnknown is the sentinel
// returned by the cheap accessors for malformed input.
const (
	ProtocolICMP    uint8 = 1
	ProtocolTCP     uint8 = 6
	ProtocolUDP     uint8 = 17
	ProtocolUnknown uint8 = 0
)

const (
	// IPv4HeaderLength is the fixed header size this relay emits (no options).
	IPv4HeaderLength = 20
	// TCPHeaderLength is the fixed TCP header size this relay emits (no options).
	TCPHeaderLength = 20
	// UDPHeaderLength is the UDP header size.
	UDPHeaderLength = 8

	// DefaultTTL is used for every packet written back to the device.
	DefaultTTL uint8 = 64
)

// TCP flag bits as they appear in the low byte of the flags field.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// IPv4Header holds the parsed fields of an IPv4 header. It is a value type:
// produced by parsing, consumed immediately, never persisted.
type IPv4Header struct {
	Version        uint8
	HeaderLength   int
	TotalLength    int
	Identification uint16
	FlagsFragment  uint16
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	SrcIP          string
	DstIP          string
}

// TCPHeader holds the parsed fields of a TCP header. DataOffset is in bytes.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int
	Flags      uint8
	Window     uint16
	Checksum   uint16
}

// UDPHeader holds the parsed fields of a UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   int
	Checksum uint16
}

var ipID uint32

// NextID returns a fresh IP identification value for outgoing packets.
func NextID() uint16 {
	return uint16(atomic.AddUint32(&ipID, 1))
}

// sum16 adds up all 16-bit big-endian words of b without complementing the
// result. An odd trailing byte is treated as the high byte of a zero-padded
// word, and the 32-bit accumulator is folded until no carry remains.
func sum16(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return uint16(sum)
}

// Checksum computes the RFC 1071 Internet checksum of b.
func Checksum(b []byte) uint16 {
	return ^sum16(b)
}

// ParseIPv4Header parses the IPv4 header at the start of b. It returns nil
// for packets shorter than 20 bytes, non-version-4 packets, header lengths
// outside [20, len(b)], and total lengths exceeding the buffer. The codec
// never returns errors; callers drop packets that fail to parse.
func ParseIPv4Header(b []byte) *IPv4Header {
	if len(b) < IPv4HeaderLength {
		return nil
	}
	version := b[0] >> 4
	if version != 4 {
		return nil
	}
	hl := int(b[0]&0x0F) * 4
	if hl < IPv4HeaderLength || hl > len(b) {
		return nil
	}
	totalLen := int(binary.BigEndian.Uint16(b[2:4]))
	if totalLen > len(b) || totalLen < hl {
		return nil
	}
	return &IPv4Header{
		Version:        version,
		HeaderLength:   hl,
		TotalLength:    totalLen,
		Identification: binary.BigEndian.Uint16(b[4:6]),
		FlagsFragment:  binary.BigEndian.Uint16(b[6:8]),
		TTL:            b[8],
		Protocol:       b[9],
		Checksum:       binary.BigEndian.Uint16(b[10:12]),
		SrcIP:          net.IPv4(b[12], b[13], b[14], b[15]).String(),
		DstIP:          net.IPv4(b[16], b[17], b[18], b[19]).String(),
	}
}

// Protocol returns the IP protocol field without a full parse, or
// ProtocolUnknown for malformed input.
func Protocol(b []byte) uint8 {
	if len(b) < IPv4HeaderLength || b[0]>>4 != 4 {
		return ProtocolUnknown
	}
	return b[9]
}

// SourceIP returns the dotted-decimal source address, or "" for malformed
// input.
func SourceIP(b []byte) string {
	if len(b) < IPv4HeaderLength || b[0]>>4 != 4 {
		return ""
	}
	return net.IPv4(b[12], b[13], b[14], b[15]).String()
}

// DestinationIP returns the dotted-decimal destination address, or "" for
// malformed input.
func DestinationIP(b []byte) string {
	if len(b) < IPv4HeaderLength || b[0]>>4 != 4 {
		return ""
	}
	return net.IPv4(b[16], b[17], b[18], b[19]).String()
}

// HeaderLength returns the IPv4 header length in bytes, or 0 for malformed
// input.
func HeaderLength(b []byte) int {
	if len(b) < IPv4HeaderLength || b[0]>>4 != 4 {
		return 0
	}
	hl := int(b[0]&0x0F) * 4
	if hl < IPv4HeaderLength || hl > len(b) {
		return 0
	}
	return hl
}

// ValidateChecksum recomputes the Internet checksum over the declared header
// length, including the checksum field itself. The header is valid iff the
// folded one's-complement sum equals 0xFFFF.
func ValidateChecksum(b []byte) bool {
	hl := HeaderLength(b)
	if hl == 0 {
		return false
	}
	return sum16(b[:hl]) == 0xFFFF
}

// BuildIPv4Packet assembles a 20-byte IPv4 header (no options) in front of
// payload. The header checksum is computed over the header only and patched
// in after the rest of the header is written. A ttl of 0 selects DefaultTTL.
// Returns nil if either address is not a valid IPv4 address.
func BuildIPv4Packet(srcIP, dstIP string, protocol uint8, payload []byte, id uint16, ttl uint8) []byte {
	src := net.ParseIP(srcIP)
	dst := net.ParseIP(dstIP)
	if src = src.To4(); src == nil {
		return nil
	}
	if dst = dst.To4(); dst == nil {
		return nil
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	pkt := make([]byte, IPv4HeaderLength+len(payload))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(IPv4HeaderLength+len(payload)))
	binary.BigEndian.PutUint16(pkt[4:6], id)
	pkt[8] = ttl
	pkt[9] = protocol
	copy(pkt[12:16], src)
	copy(pkt[16:20], dst)
	binary.BigEndian.PutUint16(pkt[10:12], Checksum(pkt[:IPv4HeaderLength]))
	copy(pkt[IPv4HeaderLength:], payload)
	return pkt
}

// pseudoHeaderChecksum computes the transport checksum over the 12-byte
// pseudo-header (src, dst, zero, protocol, segment length) followed by the
// segment itself.
func pseudoHeaderChecksum(src, dst net.IP, protocol uint8, segment []byte) uint16 {
	pseudo := make([]byte, 12, 12+len(segment))
	copy(pseudo[0:4], src)
	copy(pseudo[4:8], dst)
	pseudo[9] = protocol
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))
	return Checksum(append(pseudo, segment...))
}

// BuildTCPPacket assembles a full IPv4+TCP packet with a 20-byte TCP header
// (no options). Returns nil if either address is not a valid IPv4 address.
func BuildTCPPacket(srcIP, dstIP string, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte, id uint16) []byte {
	src := net.ParseIP(srcIP)
	dst := net.ParseIP(dstIP)
	if src = src.To4(); src == nil {
		return nil
	}
	if dst = dst.To4(); dst == nil {
		return nil
	}
	seg := make([]byte, TCPHeaderLength+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = (TCPHeaderLength / 4) << 4
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], window)
	copy(seg[TCPHeaderLength:], payload)
	binary.BigEndian.PutUint16(seg[16:18], pseudoHeaderChecksum(src, dst, ProtocolTCP, seg))
	return BuildIPv4Packet(srcIP, dstIP, ProtocolTCP, seg, id, DefaultTTL)
}

// BuildUDPPacket assembles a full IPv4+UDP packet. Returns nil if either
// address is not a valid IPv4 address.
func BuildUDPPacket(srcIP, dstIP string, srcPort, dstPort uint16, payload []byte, id uint16) []byte {
	src := net.ParseIP(srcIP)
	dst := net.ParseIP(dstIP)
	if src = src.To4(); src == nil {
		return nil
	}
	if dst = dst.To4(); dst == nil {
		return nil
	}
	seg := make([]byte, UDPHeaderLength+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[UDPHeaderLength:], payload)
	sum := pseudoHeaderChecksum(src, dst, ProtocolUDP, seg)
	if sum == 0 {
		// RFC 768: a computed checksum of zero is transmitted as all ones.
		sum = 0xFFFF
	}
	binary.BigEndian.PutUint16(seg[6:8], sum)
	return BuildIPv4Packet(srcIP, dstIP, ProtocolUDP, seg, id, DefaultTTL)
}

// ParseTCPHeader parses the TCP header at the start of a transport segment.
// Returns nil for segments shorter than 20 bytes or with a data offset
// outside [20, len(seg)].
func ParseTCPHeader(seg []byte) *TCPHeader {
	if len(seg) < TCPHeaderLength {
		return nil
	}
	off := int(seg[12]>>4) * 4
	if off < TCPHeaderLength || off > len(seg) {
		return nil
	}
	return &TCPHeader{
		SrcPort:    binary.BigEndian.Uint16(seg[0:2]),
		DstPort:    binary.BigEndian.Uint16(seg[2:4]),
		Seq:        binary.BigEndian.Uint32(seg[4:8]),
		Ack:        binary.BigEndian.Uint32(seg[8:12]),
		DataOffset: off,
		Flags:      seg[13] & 0x3F,
		Window:     binary.BigEndian.Uint16(seg[14:16]),
		Checksum:   binary.BigEndian.Uint16(seg[16:18]),
	}
}

// ParseUDPHeader parses the UDP header at the start of a transport segment.
// Returns nil for segments shorter than 8 bytes.
func ParseUDPHeader(seg []byte) *UDPHeader {
	if len(seg) < UDPHeaderLength {
		return nil
	}
	return &UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(seg[0:2]),
		DstPort:  binary.BigEndian.Uint16(seg[2:4]),
		Length:   int(binary.BigEndian.Uint16(seg[4:6])),
		Checksum: binary.BigEndian.Uint16(seg[6:8]),
	}
}
