package conntrack

import (
	"testing"
	"time"

	"tungate/internal/core/model"
)

func tcpKey(srcPort uint16) model.ConnectionKey {
	return model.ConnectionKey{Protocol: 6, SrcIP: "10.0.0.2", SrcPort: srcPort, DstIP: "1.2.3.4", DstPort: 80}
}

func udpKey(srcPort uint16) model.ConnectionKey {
	return model.ConnectionKey{Protocol: 17, SrcIP: "10.0.0.2", SrcPort: srcPort, DstIP: "8.8.8.8", DstPort: 443}
}

func TestAddGetRemoveTCPFlow(t *testing.T) {
	table := NewTable()
	flow := NewTCPFlow("f1", tcpKey(1000), nil, 16)

	if err := table.AddTCPFlow(flow); err != nil {
		t.Fatalf("AddTCPFlow: %v", err)
	}
	if err := table.AddTCPFlow(NewTCPFlow("f2", tcpKey(1000), nil, 16)); err == nil {
		t.Error("duplicate key insert succeeded; a key must map to at most one live flow")
	}
	if got := table.GetTCPFlow(tcpKey(1000)); got != flow {
		t.Error("GetTCPFlow returned a different flow")
	}
	if removed := table.RemoveTCPFlow(tcpKey(1000)); removed != flow {
		t.Error("RemoveTCPFlow returned a different flow")
	}
	if table.GetTCPFlow(tcpKey(1000)) != nil {
		t.Error("flow still present after removal")
	}
	if table.RemoveTCPFlow(tcpKey(1000)) != nil {
		t.Error("second removal returned a flow")
	}
}

func TestTotalsAreMonotonic(t *testing.T) {
	table := NewTable()
	for i := 0; i < 5; i++ {
		if err := table.AddTCPFlow(NewTCPFlow("f", tcpKey(uint16(1000+i)), nil, 16)); err != nil {
			t.Fatalf("AddTCPFlow: %v", err)
		}
	}
	table.RemoveTCPFlow(tcpKey(1000))
	table.RemoveTCPFlow(tcpKey(1001))

	stats := table.Snapshot()
	if stats.TotalTCPFlows != 5 {
		t.Errorf("TotalTCPFlows = %d, want 5", stats.TotalTCPFlows)
	}
	if stats.ActiveTCPFlows != 3 {
		t.Errorf("ActiveTCPFlows = %d, want 3", stats.ActiveTCPFlows)
	}
	if stats.TotalTCPFlows < stats.ActiveTCPFlows {
		t.Error("total dropped below active")
	}

	// Re-adding the same key after removal counts as a new flow.
	if err := table.AddTCPFlow(NewTCPFlow("f", tcpKey(1000), nil, 16)); err != nil {
		t.Fatalf("re-add after removal: %v", err)
	}
	if got := table.Snapshot().TotalTCPFlows; got != 6 {
		t.Errorf("TotalTCPFlows after reuse = %d, want 6", got)
	}
}

func TestUpdateUDPStats(t *testing.T) {
	table := NewTable()
	flow := NewUDPFlow("u1", udpKey(2000), nil, nil, nil, nil)
	if err := table.AddUDPFlow(flow); err != nil {
		t.Fatalf("AddUDPFlow: %v", err)
	}

	if !table.UpdateUDPStats(udpKey(2000), 100, 40) {
		t.Fatal("UpdateUDPStats failed for a live flow")
	}
	sent, received := flow.Counters()
	if sent != 100 || received != 40 {
		t.Errorf("counters = %d/%d, want 100/40", sent, received)
	}

	if table.UpdateUDPStats(udpKey(9999), 1, 0) {
		t.Error("UpdateUDPStats succeeded for an unknown key")
	}

	// A closed flow must not accept late updates even if a reader still
	// holds a reference.
	removed := table.RemoveUDPFlow(udpKey(2000))
	removed.Close()
	if removed.addStats(1, 1) {
		t.Error("closed flow accepted a counter update")
	}
	sent, received = removed.Counters()
	if sent != 100 || received != 40 {
		t.Errorf("counters changed after close: %d/%d", sent, received)
	}
}

func TestCleanupIdleEvictsOnlyStaleFlows(t *testing.T) {
	table := NewTable()
	stale := NewUDPFlow("stale", udpKey(2000), nil, nil, nil, nil)
	fresh := NewUDPFlow("fresh", udpKey(2001), nil, nil, nil, nil)
	if err := table.AddUDPFlow(stale); err != nil {
		t.Fatal(err)
	}
	if err := table.AddUDPFlow(fresh); err != nil {
		t.Fatal(err)
	}

	staleTCP := NewTCPFlow("stale-tcp", tcpKey(1000), nil, 16)
	if err := table.AddTCPFlow(staleTCP); err != nil {
		t.Fatal(err)
	}

	// Judge idleness from a point two minutes in the future; only fresh is
	// touched "now".
	now := time.Now().Add(2*time.Minute + time.Second)
	fresh.mu.Lock()
	fresh.lastActivity = now
	fresh.mu.Unlock()

	closedTCP, closedUDP := table.CleanupIdle(now, 2*time.Minute, 2*time.Minute)
	if len(closedUDP) != 1 || closedUDP[0] != stale {
		t.Errorf("closed UDP flows = %v", closedUDP)
	}
	if len(closedTCP) != 1 || closedTCP[0] != staleTCP {
		t.Errorf("closed TCP flows = %v", closedTCP)
	}
	if !stale.Closed() || !staleTCP.Closed() {
		t.Error("evicted flows were not closed")
	}
	if table.GetUDPFlow(udpKey(2000)) != nil {
		t.Error("stale flow still present after cleanup")
	}
	if table.GetUDPFlow(udpKey(2001)) != fresh {
		t.Error("fresh flow evicted by cleanup")
	}
}

func TestCleanupIdleDisabledThreshold(t *testing.T) {
	table := NewTable()
	if err := table.AddTCPFlow(NewTCPFlow("f", tcpKey(1000), nil, 16)); err != nil {
		t.Fatal(err)
	}
	closedTCP, _ := table.CleanupIdle(time.Now().Add(time.Hour), 0, time.Minute)
	if len(closedTCP) != 0 {
		t.Error("TCP flow evicted despite a disabled threshold")
	}
}

func TestCloseAll(t *testing.T) {
	table := NewTable()
	tcp := NewTCPFlow("t", tcpKey(1000), nil, 16)
	udp := NewUDPFlow("u", udpKey(2000), nil, nil, nil, nil)
	if err := table.AddTCPFlow(tcp); err != nil {
		t.Fatal(err)
	}
	if err := table.AddUDPFlow(udp); err != nil {
		t.Fatal(err)
	}

	table.CloseAll()
	if !tcp.Closed() || !udp.Closed() {
		t.Error("CloseAll left flows open")
	}
	stats := table.Snapshot()
	if stats.ActiveTCPFlows != 0 || stats.ActiveUDPFlows != 0 {
		t.Errorf("flows remain after CloseAll: %+v", stats)
	}
	if stats.TotalTCPFlows != 1 || stats.TotalUDPFlows != 1 {
		t.Errorf("totals lost by CloseAll: %+v", stats)
	}
}

func TestStatisticsConservation(t *testing.T) {
	table := NewTable()
	tcp := NewTCPFlow("t", tcpKey(1000), nil, 16)
	if err := table.AddTCPFlow(tcp); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		udp := NewUDPFlow("u", udpKey(uint16(2000+i)), nil, nil, nil, nil)
		if err := table.AddUDPFlow(udp); err != nil {
			t.Fatal(err)
		}
		if !table.UpdateUDPStats(udp.Key, uint64(10*(i+1)), uint64(i+1)) {
			t.Fatal("UpdateUDPStats failed")
		}
	}
	tcp.AddSent(500)
	tcp.AddReceived(700)

	// Removed flows stop contributing to the byte totals.
	table.RemoveUDPFlow(udpKey(2002)).Close()

	stats := table.Snapshot()
	var wantSent, wantReceived uint64
	sent, received := tcp.Counters()
	wantSent += sent
	wantReceived += received
	for _, key := range []model.ConnectionKey{udpKey(2000), udpKey(2001)} {
		sent, received := table.GetUDPFlow(key).Counters()
		wantSent += sent
		wantReceived += received
	}
	if stats.TotalBytesSent != wantSent {
		t.Errorf("TotalBytesSent = %d, want %d", stats.TotalBytesSent, wantSent)
	}
	if stats.TotalBytesReceived != wantReceived {
		t.Errorf("TotalBytesReceived = %d, want %d", stats.TotalBytesReceived, wantReceived)
	}
}

func TestDropCounters(t *testing.T) {
	table := NewTable()
	table.NoteDroppedPacket()
	table.NoteDroppedPacket()
	table.NoteUDPUnsupportedDrop()

	stats := table.Snapshot()
	if stats.DroppedPackets != 2 {
		t.Errorf("DroppedPackets = %d, want 2", stats.DroppedPackets)
	}
	if stats.DroppedUDPUnsupported != 1 {
		t.Errorf("DroppedUDPUnsupported = %d, want 1", stats.DroppedUDPUnsupported)
	}
}
