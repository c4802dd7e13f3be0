package relay

import (
	"context"
	"log"
	"math/rand/v2"

	"github.com/google/uuid"

	"tungate/internal/conntrack"
	"tungate/internal/core/model"
	"tungate/internal/packet"
	"tungate/internal/socks5"
)

// handleTCP runs on the intake goroutine. A SYN for an untracked key creates
// the flow; anything else for an untracked key is dropped. Segments for a
// tracked flow are enqueued without blocking.
func (e *Engine) handleTCP(hdr *packet.IPv4Header, frame []byte) {
	tcpHdr := packet.ParseTCPHeader(frame[hdr.HeaderLength:hdr.TotalLength])
	if tcpHdr == nil {
		e.table.NoteDroppedPacket()
		return
	}
	key := model.ConnectionKey{
		Protocol: packet.ProtocolTCP,
		SrcIP:    hdr.SrcIP,
		SrcPort:  tcpHdr.SrcPort,
		DstIP:    hdr.DstIP,
		DstPort:  tcpHdr.DstPort,
	}

	flow := e.table.GetTCPFlow(key)
	if flow == nil {
		if tcpHdr.Flags&packet.FlagSYN == 0 || tcpHdr.Flags&packet.FlagRST != 0 {
			e.table.NoteDroppedPacket()
			return
		}
		e.openTCPFlow(key, tcpHdr.Seq)
		return
	}

	if tcpHdr.Flags&packet.FlagSYN != 0 && flow.State() == model.TCPStateSynSeen {
		// Retransmitted SYN while the CONNECT handshake is in flight.
		return
	}

	seg := frame[hdr.HeaderLength+tcpHdr.DataOffset : hdr.TotalLength]
	payload := make([]byte, len(seg))
	copy(payload, seg)

	select {
	case flow.Input <- conntrack.TCPSegment{Flags: tcpHdr.Flags, Seq: tcpHdr.Seq, Ack: tcpHdr.Ack, Payload: payload}:
	default:
		// Mailbox full; the client will retransmit.
		e.table.NoteDroppedPacket()
	}
}

// openTCPFlow registers the flow in SYN_SEEN and hands the CONNECT handshake
// to a dedicated task. Registering before dialing makes duplicate SYNs cheap
// to recognize.
func (e *Engine) openTCPFlow(key model.ConnectionKey, clientISN uint32) {
	ctx, cancel := context.WithCancel(e.ctx)
	flow := conntrack.NewTCPFlow(uuid.NewString(), key, cancel, e.opts.TCPQueueLen)
	flow.InitSequences(clientISN, rand.Uint32())
	if err := e.table.AddTCPFlow(flow); err != nil {
		cancel()
		e.table.NoteDroppedPacket()
		return
	}
	e.wg.Add(1)
	go e.runTCPFlow(ctx, flow)
}

// runTCPFlow is a flow's lifetime: CONNECT to the proxy, answer the SYN, then
// splice until a FIN, an RST, a proxy error, or shutdown.
func (e *Engine) runTCPFlow(ctx context.Context, flow *conntrack.TCPFlow) {
	defer e.wg.Done()
	key := flow.Key

	dialCtx, dialCancel := context.WithTimeout(ctx, e.opts.DialTimeout)
	conn, err := socks5.Connect(dialCtx, e.opts.ProxyAddr, key.DstIP, key.DstPort)
	dialCancel()
	if err != nil {
		log.Printf("relay: connect %s failed: %v", key, err)
		e.sendTCP(flow, packet.FlagRST|packet.FlagACK, nil, 0)
		e.closeTCPFlow(flow, "connect-failed")
		return
	}
	flow.SetConn(conn)

	// SYN/ACK consumes one unit of our sequence space.
	e.sendTCP(flow, packet.FlagSYN|packet.FlagACK, nil, 1)
	flow.SetState(model.TCPStateEstablished)
	e.reportOpened(tcpFlowEvent(flow, ""))

	e.wg.Add(1)
	go e.runTCPProxyReader(flow)

	for {
		select {
		case <-ctx.Done():
			e.closeTCPFlow(flow, "shutdown")
			return
		case seg := <-flow.Input:
			if seg.Flags&packet.FlagRST != 0 {
				e.closeTCPFlow(flow, "rst")
				return
			}
			if len(seg.Payload) > 0 {
				if _, err := conn.Write(seg.Payload); err != nil {
					log.Printf("relay: proxy write %s failed: %v", key, err)
					e.sendTCP(flow, packet.FlagRST|packet.FlagACK, nil, 0)
					e.closeTCPFlow(flow, "proxy-write-failed")
					return
				}
				flow.AddSent(uint64(len(seg.Payload)))
				flow.ObserveClient(uint32(len(seg.Payload)))
				e.sendTCP(flow, packet.FlagACK, nil, 0)
			}
			if seg.Flags&packet.FlagFIN != 0 {
				flow.ObserveClient(1)
				flow.SetState(model.TCPStateClosing)
				e.sendTCP(flow, packet.FlagFIN|packet.FlagACK, nil, 1)
				e.closeTCPFlow(flow, "fin")
				return
			}
			flow.Touch()
		}
	}
}

// runTCPProxyReader pumps bytes from the proxy socket back to the device as
// ACK|PSH segments. EOF from the proxy is surfaced to the client as FIN/ACK.
func (e *Engine) runTCPProxyReader(flow *conntrack.TCPFlow) {
	defer e.wg.Done()
	conn := flow.Conn()
	buf := make([]byte, e.opts.MTU-packet.IPv4HeaderLength-packet.TCPHeaderLength)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			flow.AddReceived(uint64(n))
			e.sendTCP(flow, packet.FlagACK|packet.FlagPSH, buf[:n], uint32(n))
		}
		if err != nil {
			if !flow.Closed() {
				flow.SetState(model.TCPStateClosing)
				e.sendTCP(flow, packet.FlagFIN|packet.FlagACK, nil, 1)
				e.closeTCPFlow(flow, "proxy-eof")
			}
			return
		}
	}
}

// sendTCP builds one segment for the device with the flow's current seq/ack
// cursor, reserving advance units of send sequence space.
func (e *Engine) sendTCP(flow *conntrack.TCPFlow, flags uint8, payload []byte, advance uint32) {
	seq, ack := flow.NextSegment(advance)
	key := flow.Key
	pkt := packet.BuildTCPPacket(key.DstIP, key.SrcIP, key.DstPort, key.SrcPort,
		seq, ack, flags, e.opts.TCPWindow, payload, packet.NextID())
	e.writePacket(pkt)
}

// closeTCPFlow removes and closes the flow. Whoever wins the removal reports
// the close event; racing callers from the run loop, the proxy reader, and
// the idle sweep become no-ops.
func (e *Engine) closeTCPFlow(flow *conntrack.TCPFlow, cause string) {
	removed := e.table.RemoveTCPFlow(flow.Key)
	flow.Close()
	if removed == flow {
		e.reportClosed(tcpFlowEvent(flow, cause))
	}
}
