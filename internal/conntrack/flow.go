package conntrack

import (
	"context"
	"net"
	"sync"
	"time"

	"tungate/internal/core/model"
)

// TCPSegment is one inbound TCP observation handed to a flow's run loop.
// Payload is a private copy; the intake buffer is reused between reads.
type TCPSegment struct {
	Flags   uint8
	Seq     uint32
	Ack     uint32
	Payload []byte
}

// TCPFlow is one spliced TCP relay entry. It owns the outbound socket to the
// SOCKS5 proxy, the simplified lifecycle tag, per-flow sequence tracking for
// the packets written back to the device, and the cancel handle of its
// dedicated reader task.
type TCPFlow struct {
	ID        string
	Key       model.ConnectionKey
	CreatedAt time.Time

	// Input is the flow's mailbox; the single intake goroutine is the only
	// sender, which preserves per-flow ordering.
	Input chan TCPSegment

	cancel context.CancelFunc

	mu            sync.Mutex
	conn          net.Conn
	state         model.TCPState
	lastActivity  time.Time
	bytesSent     uint64
	bytesReceived uint64
	sndNxt        uint32
	rcvNxt        uint32
	closed        bool
}

// NewTCPFlow creates a flow in the SYN_SEEN state. The proxy socket is
// attached later, once the CONNECT handshake succeeds.
func NewTCPFlow(id string, key model.ConnectionKey, cancel context.CancelFunc, queueLen int) *TCPFlow {
	now := time.Now()
	return &TCPFlow{
		ID:           id,
		Key:          key,
		CreatedAt:    now,
		Input:        make(chan TCPSegment, queueLen),
		cancel:       cancel,
		state:        model.TCPStateSynSeen,
		lastActivity: now,
	}
}

func (f *TCPFlow) SetConn(c net.Conn) {
	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()
}

func (f *TCPFlow) Conn() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *TCPFlow) State() model.TCPState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *TCPFlow) SetState(s model.TCPState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Touch refreshes the activity timestamp used by the idle sweep.
func (f *TCPFlow) Touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *TCPFlow) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *TCPFlow) AddSent(n uint64) {
	f.mu.Lock()
	f.bytesSent += n
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *TCPFlow) AddReceived(n uint64) {
	f.mu.Lock()
	f.bytesReceived += n
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

// Counters returns the monotonic byte counters.
func (f *TCPFlow) Counters() (sent, received uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesSent, f.bytesReceived
}

// InitSequences seeds sequence tracking after the SYN is observed: the next
// byte expected from the client is its ISN+1, and serverISN is the sequence
// the relay will claim for its SYN/ACK.
func (f *TCPFlow) InitSequences(clientISN, serverISN uint32) {
	f.mu.Lock()
	f.rcvNxt = clientISN + 1
	f.sndNxt = serverISN
	f.mu.Unlock()
}

// NextSegment reserves advance bytes of outgoing sequence space and returns
// the seq/ack pair for the segment about to be written to the device.
// SYN and FIN consume one unit of sequence space like payload bytes do.
func (f *TCPFlow) NextSegment(advance uint32) (seq, ack uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq = f.sndNxt
	ack = f.rcvNxt
	f.sndNxt += advance
	return seq, ack
}

// ObserveClient advances the receive cursor past n client bytes (payload, or
// the one unit a FIN occupies).
func (f *TCPFlow) ObserveClient(n uint32) {
	f.mu.Lock()
	f.rcvNxt += n
	f.mu.Unlock()
}

// Close cancels the reader task and then closes the proxy socket, in that
// order. It is idempotent; callers on the teardown, sweep, and shutdown
// paths may race.
func (f *TCPFlow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	conn := f.conn
	f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (f *TCPFlow) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// UDPFlow is one UDP ASSOCIATE relay entry. The control connection keeps the
// association alive on the proxy; the relay socket carries the encapsulated
// datagrams.
type UDPFlow struct {
	ID        string
	Key       model.ConnectionKey
	CreatedAt time.Time
	RelayAddr *net.UDPAddr

	cancel context.CancelFunc

	mu            sync.Mutex
	control       net.Conn
	relay         *net.UDPConn
	lastActivity  time.Time
	bytesSent     uint64
	bytesReceived uint64
	closed        bool
}

func NewUDPFlow(id string, key model.ConnectionKey, control net.Conn, relay *net.UDPConn, relayAddr *net.UDPAddr, cancel context.CancelFunc) *UDPFlow {
	now := time.Now()
	return &UDPFlow{
		ID:           id,
		Key:          key,
		CreatedAt:    now,
		RelayAddr:    relayAddr,
		cancel:       cancel,
		control:      control,
		relay:        relay,
		lastActivity: now,
	}
}

func (f *UDPFlow) RelayConn() *net.UDPConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.relay
}

func (f *UDPFlow) Touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *UDPFlow) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

// addStats is only reachable through Table.UpdateUDPStats so that counter
// updates stay atomic with respect to removal.
func (f *UDPFlow) addStats(sent, received uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.bytesSent += sent
	f.bytesReceived += received
	f.lastActivity = time.Now()
	return true
}

func (f *UDPFlow) Counters() (sent, received uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesSent, f.bytesReceived
}

// Close cancels the reader task, then closes the relay socket and the
// control connection. Idempotent.
func (f *UDPFlow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	relay, control := f.relay, f.control
	f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if relay != nil {
		relay.Close()
	}
	if control != nil {
		control.Close()
	}
}

func (f *UDPFlow) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
