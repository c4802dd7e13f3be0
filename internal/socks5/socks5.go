// Package socks5 implements the client side of the RFC 1928 handshakes the
// relay needs: CONNECT for spliced TCP flows and UDP ASSOCIATE plus the UDP
// request header for datagram flows. Only the no-authentication method is
// negotiated; the local proxy is an in-process collaborator, not a remote
// service.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

const (
	Version = 0x05

	CmdConnect      = 0x01
	CmdUDPAssociate = 0x03

	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04

	MethodNoAuth = 0x00
)

// Reply codes from RFC 1928 section 6.
const (
	ReplySucceeded           = 0x00
	ReplyGeneralFailure      = 0x01
	ReplyNotAllowed          = 0x02
	ReplyNetworkUnreachable  = 0x03
	ReplyHostUnreachable     = 0x04
	ReplyConnectionRefused   = 0x05
	ReplyTTLExpired          = 0x06
	ReplyCommandNotSupported = 0x07
	ReplyAddrNotSupported    = 0x08
)

var (
	ErrGeneralFailure      = errors.New("socks5: general server failure")
	ErrNotAllowed          = errors.New("socks5: connection not allowed by ruleset")
	ErrNetworkUnreachable  = errors.New("socks5: network unreachable")
	ErrHostUnreachable     = errors.New("socks5: host unreachable")
	ErrConnectionRefused   = errors.New("socks5: connection refused")
	ErrTTLExpired          = errors.New("socks5: TTL expired")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
	ErrAddrNotSupported    = errors.New("socks5: address type not supported")
)

// ReplyError maps a non-success reply code to its named error.
func ReplyError(code byte) error {
	switch code {
	case ReplySucceeded:
		return nil
	case ReplyGeneralFailure:
		return ErrGeneralFailure
	case ReplyNotAllowed:
		return ErrNotAllowed
	case ReplyNetworkUnreachable:
		return ErrNetworkUnreachable
	case ReplyHostUnreachable:
		return ErrHostUnreachable
	case ReplyConnectionRefused:
		return ErrConnectionRefused
	case ReplyTTLExpired:
		return ErrTTLExpired
	case ReplyCommandNotSupported:
		return ErrCommandNotSupported
	case ReplyAddrNotSupported:
		return ErrAddrNotSupported
	}
	return fmt.Errorf("socks5: unknown reply code %#02x", code)
}

// greet performs the version/method negotiation on an open connection.
func greet(conn net.Conn) error {
	if _, err := conn.Write([]byte{Version, 0x01, MethodNoAuth}); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("read greeting reply: %w", err)
	}
	if resp[0] != Version {
		return fmt.Errorf("unexpected socks version %#02x", resp[0])
	}
	if resp[1] != MethodNoAuth {
		return fmt.Errorf("proxy rejected no-auth method (selected %#02x)", resp[1])
	}
	return nil
}

// readReply consumes a full reply (VER REP RSV ATYP BND.ADDR BND.PORT) and
// returns the reply code and bound endpoint.
func readReply(conn net.Conn) (code byte, bndIP net.IP, bndPort uint16, err error) {
	head := make([]byte, 4)
	if _, err = io.ReadFull(conn, head); err != nil {
		return 0, nil, 0, fmt.Errorf("read reply header: %w", err)
	}
	if head[0] != Version {
		return 0, nil, 0, fmt.Errorf("unexpected socks version %#02x", head[0])
	}
	var addrLen int
	switch head[3] {
	case AddrTypeIPv4:
		addrLen = 4
	case AddrTypeIPv6:
		addrLen = 16
	case AddrTypeDomain:
		l := make([]byte, 1)
		if _, err = io.ReadFull(conn, l); err != nil {
			return 0, nil, 0, fmt.Errorf("read reply domain length: %w", err)
		}
		addrLen = int(l[0])
	default:
		return 0, nil, 0, fmt.Errorf("unexpected reply address type %#02x", head[3])
	}
	rest := make([]byte, addrLen+2)
	if _, err = io.ReadFull(conn, rest); err != nil {
		return 0, nil, 0, fmt.Errorf("read reply address: %w", err)
	}
	if head[3] != AddrTypeDomain {
		bndIP = net.IP(rest[:addrLen])
	}
	bndPort = binary.BigEndian.Uint16(rest[addrLen:])
	return head[1], bndIP, bndPort, nil
}

// Connect dials the proxy and performs a CONNECT handshake to dstIP:dstPort.
// On success the returned connection is the established relay to the target;
// the caller owns it. Handshake failures close the connection and surface the
// mapped reply error.
func Connect(ctx context.Context, proxyAddr, dstIP string, dstPort uint16) (net.Conn, error) {
	ip := net.ParseIP(dstIP)
	if ip = ip.To4(); ip == nil {
		return nil, fmt.Errorf("connect target %q is not an IPv4 address", dstIP)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}
	if err := greet(conn); err != nil {
		conn.Close()
		return nil, err
	}

	req := make([]byte, 0, 10)
	req = append(req, Version, CmdConnect, 0x00, AddrTypeIPv4)
	req = append(req, ip...)
	req = binary.BigEndian.AppendUint16(req, dstPort)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connect request: %w", err)
	}

	code, _, _, err := readReply(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if code != ReplySucceeded {
		conn.Close()
		return nil, ReplyError(code)
	}
	return conn, nil
}

// Association is the result of a successful UDP ASSOCIATE handshake. The
// control connection must stay open for the lifetime of the association; the
// proxy is free to tear down the relay when it closes.
type Association struct {
	Control   net.Conn
	RelayAddr *net.UDPAddr
}

// Close releases the control connection.
func (a *Association) Close() error {
	return a.Control.Close()
}

// Associate dials the proxy and performs a UDP ASSOCIATE handshake. The
// DST.ADDR/DST.PORT fields are 0.0.0.0:0 since the relay's local datagram
// source is not fixed. A BND.ADDR of 0.0.0.0 in the reply is substituted
// with the proxy host, which is how practical servers advertise themselves.
func Associate(ctx context.Context, proxyAddr string) (*Association, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}
	if err := greet(conn); err != nil {
		conn.Close()
		return nil, err
	}

	req := []byte{Version, CmdUDPAssociate, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send associate request: %w", err)
	}

	code, bndIP, bndPort, err := readReply(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if code != ReplySucceeded {
		conn.Close()
		return nil, ReplyError(code)
	}

	if bndIP == nil || bndIP.IsUnspecified() {
		host, _, err := net.SplitHostPort(proxyAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("derive relay host from %q: %w", proxyAddr, err)
		}
		bndIP = net.ParseIP(host)
		if bndIP == nil {
			conn.Close()
			return nil, fmt.Errorf("proxy address %q is not an IP", proxyAddr)
		}
	}
	return &Association{
		Control:   conn,
		RelayAddr: &net.UDPAddr{IP: bndIP, Port: int(bndPort)},
	}, nil
}

// Encapsulate prepends the RFC 1928 section 7 UDP request header to payload.
// Dotted-quad targets are encoded as ATYP IPv4; anything else that parses as
// an IP is encoded as IPv6, and the remainder as a domain name. FRAG is
// always zero; fragmented datagrams are not supported.
func Encapsulate(dstHost string, dstPort uint16, payload []byte) []byte {
	buf := make([]byte, 0, 10+len(payload))
	buf = append(buf, 0x00, 0x00, 0x00)

	ip := net.ParseIP(dstHost)
	switch {
	case ip != nil && ip.To4() != nil:
		buf = append(buf, AddrTypeIPv4)
		buf = append(buf, ip.To4()...)
	case ip != nil:
		buf = append(buf, AddrTypeIPv6)
		buf = append(buf, ip.To16()...)
	default:
		if len(dstHost) > 255 {
			return nil
		}
		buf = append(buf, AddrTypeDomain, byte(len(dstHost)))
		buf = append(buf, dstHost...)
	}
	buf = binary.BigEndian.AppendUint16(buf, dstPort)
	return append(buf, payload...)
}

// Decapsulate strips the UDP request header from a datagram received off the
// relay socket, returning the peer host, port, and payload. It returns
// ok=false on any malformed header, a non-zero RSV, or a non-zero FRAG.
func Decapsulate(b []byte) (srcHost string, srcPort uint16, payload []byte, ok bool) {
	if len(b) < 4 || b[0] != 0x00 || b[1] != 0x00 || b[2] != 0x00 {
		return "", 0, nil, false
	}
	off := 4
	switch b[3] {
	case AddrTypeIPv4:
		if len(b) < off+4+2 {
			return "", 0, nil, false
		}
		srcHost = net.IP(b[off : off+4]).String()
		off += 4
	case AddrTypeIPv6:
		if len(b) < off+16+2 {
			return "", 0, nil, false
		}
		srcHost = net.IP(b[off : off+16]).String()
		off += 16
	case AddrTypeDomain:
		if len(b) < off+1 {
			return "", 0, nil, false
		}
		l := int(b[off])
		off++
		if len(b) < off+l+2 {
			return "", 0, nil, false
		}
		srcHost = string(b[off : off+l])
		off += l
	default:
		return "", 0, nil, false
	}
	srcPort = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	return srcHost, srcPort, b[off:], true
}

// JoinHostPort is a small convenience for log lines and event payloads.
func JoinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
