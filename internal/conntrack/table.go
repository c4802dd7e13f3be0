// Package conntrack is the single source of truth for live flow state and
// the historical flow counters. It is shared by the packet intake path, the
// per-flow reader tasks, and the periodic idle sweep, so every mutating
// operation is atomic with respect to the others.
package conntrack

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tungate/internal/core/model"
)

type Table struct {
	mu  sync.RWMutex
	tcp map[model.ConnectionKey]*TCPFlow
	udp map[model.ConnectionKey]*UDPFlow

	// Monotonic totals; insertion increments them, removal never decrements.
	totalTCP uint64
	totalUDP uint64

	droppedPackets        uint64
	droppedUDPUnsupported uint64
}

func NewTable() *Table {
	return &Table{
		tcp: make(map[model.ConnectionKey]*TCPFlow),
		udp: make(map[model.ConnectionKey]*UDPFlow),
	}
}

// AddTCPFlow registers a flow under its key. A key maps to at most one live
// flow of its protocol, so a second insert for the same key fails.
func (t *Table) AddTCPFlow(f *TCPFlow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tcp[f.Key]; ok {
		return fmt.Errorf("tcp flow already tracked for %s", f.Key)
	}
	t.tcp[f.Key] = f
	t.totalTCP++
	return nil
}

func (t *Table) GetTCPFlow(key model.ConnectionKey) *TCPFlow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tcp[key]
}

// RemoveTCPFlow deletes the entry and returns it, or nil if the key was not
// tracked. The caller is responsible for closing the returned flow.
func (t *Table) RemoveTCPFlow(key model.ConnectionKey) *TCPFlow {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.tcp[key]
	delete(t.tcp, key)
	return f
}

func (t *Table) AddUDPFlow(f *UDPFlow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.udp[f.Key]; ok {
		return fmt.Errorf("udp flow already tracked for %s", f.Key)
	}
	t.udp[f.Key] = f
	t.totalUDP++
	return nil
}

func (t *Table) GetUDPFlow(key model.ConnectionKey) *UDPFlow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.udp[key]
}

func (t *Table) RemoveUDPFlow(key model.ConnectionKey) *UDPFlow {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.udp[key]
	delete(t.udp, key)
	return f
}

// UpdateUDPStats is the only way UDP flow counters change after creation.
// It reports false when the flow is gone or already closed, so an eviction
// racing a late datagram cannot resurrect counters.
func (t *Table) UpdateUDPStats(key model.ConnectionKey, sentDelta, receivedDelta uint64) bool {
	t.mu.RLock()
	f := t.udp[key]
	t.mu.RUnlock()
	if f == nil {
		return false
	}
	return f.addStats(sentDelta, receivedDelta)
}

// CleanupIdle evicts every flow whose last activity is older than its
// protocol's threshold: the reader task is cancelled, the sockets closed,
// and the entry removed. A non-positive threshold disables eviction for that
// protocol. The closed flows are returned so the engine can report them.
func (t *Table) CleanupIdle(now time.Time, tcpIdle, udpIdle time.Duration) (closedTCP []*TCPFlow, closedUDP []*UDPFlow) {
	t.mu.Lock()
	if tcpIdle > 0 {
		for key, f := range t.tcp {
			if now.Sub(f.LastActivity()) > tcpIdle {
				closedTCP = append(closedTCP, f)
				delete(t.tcp, key)
			}
		}
	}
	if udpIdle > 0 {
		for key, f := range t.udp {
			if now.Sub(f.LastActivity()) > udpIdle {
				closedUDP = append(closedUDP, f)
				delete(t.udp, key)
			}
		}
	}
	t.mu.Unlock()

	// Socket teardown happens outside the table lock.
	for _, f := range closedTCP {
		f.Close()
	}
	for _, f := range closedUDP {
		f.Close()
	}
	return closedTCP, closedUDP
}

// CloseAll cancels every reader task and closes every socket unconditionally,
// then clears the table. Used at shutdown.
func (t *Table) CloseAll() (closedTCP []*TCPFlow, closedUDP []*UDPFlow) {
	t.mu.Lock()
	for key, f := range t.tcp {
		closedTCP = append(closedTCP, f)
		delete(t.tcp, key)
	}
	for key, f := range t.udp {
		closedUDP = append(closedUDP, f)
		delete(t.udp, key)
	}
	t.mu.Unlock()

	for _, f := range closedTCP {
		f.Close()
	}
	for _, f := range closedUDP {
		f.Close()
	}
	return closedTCP, closedUDP
}

// NoteDroppedPacket counts a packet dropped on the intake path.
func (t *Table) NoteDroppedPacket() {
	atomic.AddUint64(&t.droppedPackets, 1)
}

// NoteUDPUnsupportedDrop counts a datagram dropped because the proxy does
// not support UDP ASSOCIATE.
func (t *Table) NoteUDPUnsupportedDrop() {
	atomic.AddUint64(&t.droppedUDPUnsupported, 1)
}

// Snapshot derives a point-in-time aggregate from the flows present at call
// time. Byte totals are the sums of the live flow counters; removed flows do
// not contribute, so a removed-then-reused key is never double counted.
func (t *Table) Snapshot() model.Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := model.Statistics{
		ActiveTCPFlows:        uint64(len(t.tcp)),
		TotalTCPFlows:         t.totalTCP,
		ActiveUDPFlows:        uint64(len(t.udp)),
		TotalUDPFlows:         t.totalUDP,
		DroppedPackets:        atomic.LoadUint64(&t.droppedPackets),
		DroppedUDPUnsupported: atomic.LoadUint64(&t.droppedUDPUnsupported),
	}
	for _, f := range t.tcp {
		sent, received := f.Counters()
		stats.TotalBytesSent += sent
		stats.TotalBytesReceived += received
	}
	for _, f := range t.udp {
		sent, received := f.Counters()
		stats.TotalBytesSent += sent
		stats.TotalBytesReceived += received
	}
	return stats
}
