package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"tungate/internal/conntrack"
	"tungate/internal/core/model"
	"tungate/internal/packet"
	"tungate/internal/socks5"
)

// relayReadInterval bounds how long the relay reader blocks in one Read so it
// notices cancellation; a deadline expiry is not an error.
const relayReadInterval = time.Second

// handleUDP runs on the intake goroutine. The first datagram of a key
// triggers an association on its own task; later datagrams reuse the tracked
// flow. Datagrams racing the setup are dropped, as is everything after the
// proxy has declared UDP unsupported.
func (e *Engine) handleUDP(hdr *packet.IPv4Header, frame []byte) {
	udpHdr := packet.ParseUDPHeader(frame[hdr.HeaderLength:hdr.TotalLength])
	if udpHdr == nil {
		e.table.NoteDroppedPacket()
		return
	}
	seg := frame[hdr.HeaderLength:hdr.TotalLength]
	payload := make([]byte, len(seg)-packet.UDPHeaderLength)
	copy(payload, seg[packet.UDPHeaderLength:])

	key := model.ConnectionKey{
		Protocol: packet.ProtocolUDP,
		SrcIP:    hdr.SrcIP,
		SrcPort:  udpHdr.SrcPort,
		DstIP:    hdr.DstIP,
		DstPort:  udpHdr.DstPort,
	}

	if e.dns != nil && udpHdr.DstPort == 53 {
		if resp, ok := e.dns.lookup(payload); ok {
			pkt := packet.BuildUDPPacket(hdr.DstIP, hdr.SrcIP, udpHdr.DstPort, udpHdr.SrcPort, resp, packet.NextID())
			e.writePacket(pkt)
			return
		}
	}

	if e.udpUnsupported.Load() {
		e.table.NoteUDPUnsupportedDrop()
		return
	}

	if flow := e.table.GetUDPFlow(key); flow != nil {
		e.sendThroughRelay(flow, payload)
		return
	}

	e.udpPendingMu.Lock()
	if _, inFlight := e.udpPending[key]; inFlight {
		e.udpPendingMu.Unlock()
		e.table.NoteDroppedPacket()
		return
	}
	e.udpPending[key] = struct{}{}
	e.udpPendingMu.Unlock()

	e.wg.Add(1)
	go e.setupUDPFlow(key, payload)
}

// setupUDPFlow performs the UDP ASSOCIATE handshake, registers the flow, and
// forwards the datagram that triggered it. A REP 0x07 reply latches the
// session-wide unsupported flag; every other failure costs only this
// datagram.
func (e *Engine) setupUDPFlow(key model.ConnectionKey, payload []byte) {
	defer e.wg.Done()
	defer func() {
		e.udpPendingMu.Lock()
		delete(e.udpPending, key)
		e.udpPendingMu.Unlock()
	}()

	dialCtx, dialCancel := context.WithTimeout(e.ctx, e.opts.DialTimeout)
	assoc, err := socks5.Associate(dialCtx, e.opts.ProxyAddr)
	dialCancel()
	if err != nil {
		if errors.Is(err, socks5.ErrCommandNotSupported) {
			if e.udpUnsupported.CompareAndSwap(false, true) {
				log.Printf("relay: proxy does not support UDP ASSOCIATE, dropping all UDP traffic")
			}
			e.table.NoteUDPUnsupportedDrop()
			return
		}
		log.Printf("relay: associate for %s failed: %v", key, err)
		e.table.NoteDroppedPacket()
		return
	}

	relayConn, err := net.DialUDP("udp", nil, assoc.RelayAddr)
	if err != nil {
		assoc.Close()
		log.Printf("relay: dial relay %s failed: %v", assoc.RelayAddr, err)
		e.table.NoteDroppedPacket()
		return
	}

	ctx, cancel := context.WithCancel(e.ctx)
	flow := conntrack.NewUDPFlow(uuid.NewString(), key, assoc.Control, relayConn, assoc.RelayAddr, cancel)
	if err := e.table.AddUDPFlow(flow); err != nil {
		flow.Close()
		e.table.NoteDroppedPacket()
		return
	}
	e.reportOpened(udpFlowEvent(flow, ""))

	e.wg.Add(1)
	go e.runUDPReader(ctx, flow)

	e.sendThroughRelay(flow, payload)
}

// sendThroughRelay encapsulates one datagram and writes it to the relay
// socket. Counter updates go through the table so a racing eviction cannot
// resurrect them.
func (e *Engine) sendThroughRelay(flow *conntrack.UDPFlow, payload []byte) {
	enc := socks5.Encapsulate(flow.Key.DstIP, flow.Key.DstPort, payload)
	if enc == nil {
		e.table.NoteDroppedPacket()
		return
	}
	conn := flow.RelayConn()
	if conn == nil {
		e.table.NoteDroppedPacket()
		return
	}
	if _, err := conn.Write(enc); err != nil {
		if !flow.Closed() {
			log.Printf("relay: relay write for %s failed: %v", flow.Key, err)
			e.closeUDPFlow(flow, "relay-write-failed")
		}
		return
	}
	e.table.UpdateUDPStats(flow.Key, uint64(len(payload)), 0)
}

// runUDPReader pumps encapsulated responses off the relay socket back to the
// device. Short read deadlines are liveness checks only; idleness is judged
// by the table sweep, not here.
func (e *Engine) runUDPReader(ctx context.Context, flow *conntrack.UDPFlow) {
	defer e.wg.Done()
	conn := flow.RelayConn()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(relayReadInterval))
		n, err := conn.Read(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if !flow.Closed() {
				e.closeUDPFlow(flow, "relay-read-failed")
			}
			return
		}

		srcHost, srcPort, payload, ok := socks5.Decapsulate(buf[:n])
		if !ok {
			e.table.NoteDroppedPacket()
			continue
		}
		if net.ParseIP(srcHost) == nil || net.ParseIP(srcHost).To4() == nil {
			// The proxy answered with a peer the device cannot address.
			srcHost = flow.Key.DstIP
		}
		if e.dns != nil && srcPort == 53 {
			e.dns.store(payload)
		}

		e.table.UpdateUDPStats(flow.Key, 0, uint64(len(payload)))
		pkt := packet.BuildUDPPacket(srcHost, flow.Key.SrcIP, srcPort, flow.Key.SrcPort, payload, packet.NextID())
		e.writePacket(pkt)
	}
}

func (e *Engine) closeUDPFlow(flow *conntrack.UDPFlow, cause string) {
	removed := e.table.RemoveUDPFlow(flow.Key)
	flow.Close()
	if removed == flow {
		e.reportClosed(udpFlowEvent(flow, cause))
	}
}
