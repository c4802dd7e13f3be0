// Package relay moves packets between a user-space virtual network device and
// a SOCKS5 proxy. A single intake goroutine reads IPv4 frames off the device
// and dispatches them to per-flow tasks; everything written back to the device
// goes through one serialized writer.
package relay

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tungate/internal/conntrack"
	"tungate/internal/core/model"
	"tungate/internal/packet"
)

// FlowReporter receives flow lifecycle events. Implementations must not
// block; slow sinks buffer internally.
type FlowReporter interface {
	FlowOpened(model.FlowEvent)
	FlowClosed(model.FlowEvent)
}

// Options configures an Engine. Zero values select the defaults below.
type Options struct {
	ProxyAddr string

	MTU         int
	TCPQueueLen int
	TCPWindow   uint16

	DialTimeout    time.Duration
	TCPIdleTimeout time.Duration
	UDPIdleTimeout time.Duration
	SweepInterval  time.Duration

	DNSCache    bool
	DNSCacheTTL DNSCacheTTL
}

func (o *Options) withDefaults() {
	if o.MTU <= 0 {
		o.MTU = 1500
	}
	if o.TCPQueueLen <= 0 {
		o.TCPQueueLen = 64
	}
	if o.TCPWindow == 0 {
		o.TCPWindow = 65535
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.TCPIdleTimeout == 0 {
		o.TCPIdleTimeout = 5 * time.Minute
	}
	if o.UDPIdleTimeout == 0 {
		o.UDPIdleTimeout = 2 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	o.DNSCacheTTL.withDefaults()
}

// Engine owns the intake loop, the connection table, the idle sweeper, and
// the device writer.
type Engine struct {
	opts      Options
	dev       io.ReadWriteCloser
	table     *conntrack.Table
	reporters []FlowReporter
	dns       *dnsCache

	writeMu sync.Mutex

	// udpUnsupported latches true for the lifetime of the engine once the
	// proxy answers UDP ASSOCIATE with REP 0x07. No other proxy error
	// escalates past its own flow.
	udpUnsupported atomic.Bool

	udpPendingMu sync.Mutex
	udpPending   map[model.ConnectionKey]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires an engine to an open device. The device is closed by Stop.
func NewEngine(dev io.ReadWriteCloser, opts Options, reporters ...FlowReporter) *Engine {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:       opts,
		dev:        dev,
		table:      conntrack.NewTable(),
		reporters:  reporters,
		udpPending: make(map[model.ConnectionKey]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.DNSCache {
		e.dns = newDNSCache(opts.DNSCacheTTL)
	}
	return e
}

// Start launches the intake loop and the idle sweeper.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.intake()
	go e.sweep()
	log.Printf("relay: started, proxy=%s mtu=%d", e.opts.ProxyAddr, e.opts.MTU)
}

// Stop tears the engine down: the intake loop is unblocked by closing the
// device, every flow is closed, and no packet is written afterwards.
func (e *Engine) Stop() {
	e.cancel()
	e.dev.Close()
	e.wg.Wait()

	closedTCP, closedUDP := e.table.CloseAll()
	for _, f := range closedTCP {
		e.reportClosed(tcpFlowEvent(f, "shutdown"))
	}
	for _, f := range closedUDP {
		e.reportClosed(udpFlowEvent(f, "shutdown"))
	}
	log.Printf("relay: stopped, closed %d tcp / %d udp flows", len(closedTCP), len(closedUDP))
}

// Statistics returns a point-in-time aggregate of the connection table plus
// the session-wide UDP support latch.
func (e *Engine) Statistics() model.Statistics {
	stats := e.table.Snapshot()
	stats.UDPUnsupported = e.udpUnsupported.Load()
	return stats
}

// ExpireIdle runs one idle sweep immediately and returns how many flows it
// evicted. The periodic sweeper calls this; the admin API exposes it too.
func (e *Engine) ExpireIdle(now time.Time) int {
	closedTCP, closedUDP := e.table.CleanupIdle(now, e.opts.TCPIdleTimeout, e.opts.UDPIdleTimeout)
	for _, f := range closedTCP {
		e.reportClosed(tcpFlowEvent(f, "idle"))
	}
	for _, f := range closedUDP {
		e.reportClosed(udpFlowEvent(f, "idle"))
	}
	return len(closedTCP) + len(closedUDP)
}

func (e *Engine) intake() {
	defer e.wg.Done()
	buf := make([]byte, e.opts.MTU)
	for {
		n, err := e.dev.Read(buf)
		if err != nil {
			if e.ctx.Err() == nil {
				log.Printf("relay: device read failed: %v", err)
				e.cancel()
			}
			return
		}
		e.dispatch(buf[:n])
	}
}

// dispatch routes one frame. It must never block on flow I/O: TCP segments
// go into the flow's buffered mailbox, UDP setup runs on its own goroutine.
func (e *Engine) dispatch(frame []byte) {
	hdr := packet.ParseIPv4Header(frame)
	if hdr == nil {
		e.table.NoteDroppedPacket()
		return
	}
	switch hdr.Protocol {
	case packet.ProtocolTCP:
		e.handleTCP(hdr, frame)
	case packet.ProtocolUDP:
		e.handleUDP(hdr, frame)
	default:
		e.table.NoteDroppedPacket()
	}
}

func (e *Engine) sweep() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.ExpireIdle(now); n > 0 {
				log.Printf("relay: idle sweep evicted %d flows", n)
			}
		}
	}
}

// writePacket is the only path onto the device. Writes are serialized and
// refused once shutdown has begun.
func (e *Engine) writePacket(pkt []byte) {
	if pkt == nil {
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.ctx.Err() != nil {
		return
	}
	if _, err := e.dev.Write(pkt); err != nil {
		log.Printf("relay: device write failed: %v", err)
	}
}

func (e *Engine) reportOpened(ev model.FlowEvent) {
	for _, r := range e.reporters {
		r.FlowOpened(ev)
	}
}

func (e *Engine) reportClosed(ev model.FlowEvent) {
	for _, r := range e.reporters {
		r.FlowClosed(ev)
	}
}

func tcpFlowEvent(f *conntrack.TCPFlow, cause string) model.FlowEvent {
	sent, received := f.Counters()
	ev := model.FlowEvent{
		ID:            f.ID,
		Protocol:      f.Key.Protocol,
		SrcIP:         f.Key.SrcIP,
		SrcPort:       f.Key.SrcPort,
		DstIP:         f.Key.DstIP,
		DstPort:       f.Key.DstPort,
		BytesSent:     sent,
		BytesReceived: received,
		OpenedAt:      f.CreatedAt,
	}
	if cause == "" {
		ev.Kind = "open"
	} else {
		ev.Kind = "close"
		ev.ClosedAt = time.Now()
		ev.Cause = cause
	}
	return ev
}

func udpFlowEvent(f *conntrack.UDPFlow, cause string) model.FlowEvent {
	sent, received := f.Counters()
	ev := model.FlowEvent{
		ID:            f.ID,
		Protocol:      f.Key.Protocol,
		SrcIP:         f.Key.SrcIP,
		SrcPort:       f.Key.SrcPort,
		DstIP:         f.Key.DstIP,
		DstPort:       f.Key.DstPort,
		BytesSent:     sent,
		BytesReceived: received,
		OpenedAt:      f.CreatedAt,
	}
	if cause == "" {
		ev.Kind = "open"
	} else {
		ev.Kind = "close"
		ev.ClosedAt = time.Now()
		ev.Cause = cause
	}
	return ev
}
