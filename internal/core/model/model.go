package model

import (
	"fmt"
	"time"
)

// ConnectionKey is the immutable 5-tuple identifying one logical flow. It is
// used directly as the map key into the connection table, so all fields must
// stay comparable.
type ConnectionKey struct {
	Protocol uint8
	SrcIP    string
	SrcPort  uint16
	DstIP    string
	DstPort  uint16
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%d|%s:%d->%s:%d", k.Protocol, k.SrcIP, k.SrcPort, k.DstIP, k.DstPort)
}

// TCPState is the simplified lifecycle tag of a spliced TCP flow.
type TCPState uint8

const (
	TCPStateSynSeen TCPState = iota
	TCPStateEstablished
	TCPStateClosing
)

func (s TCPState) String() string {
	switch s {
	case TCPStateSynSeen:
		return "SYN_SEEN"
	case TCPStateEstablished:
		return "ESTABLISHED"
	case TCPStateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// Statistics is a point-in-time aggregate derived from the connection table.
// Byte totals are the sums over the live flow counters at snapshot time;
// the flow totals are monotonic and survive removal.
type Statistics struct {
	ActiveTCPFlows uint64 `json:"active_tcp_flows"`
	TotalTCPFlows  uint64 `json:"total_tcp_flows"`
	ActiveUDPFlows uint64 `json:"active_udp_flows"`
	TotalUDPFlows  uint64 `json:"total_udp_flows"`

	TotalBytesSent     uint64 `json:"total_bytes_sent"`
	TotalBytesReceived uint64 `json:"total_bytes_received"`

	DroppedPackets        uint64 `json:"dropped_packets"`
	DroppedUDPUnsupported uint64 `json:"dropped_udp_unsupported"`
	UDPUnsupported        bool   `json:"udp_unsupported"`
}

// FlowEvent describes the opening or closing of a single flow. Events are
// published to NATS and appended to the flow history table.
type FlowEvent struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "open" or "close"
	Protocol uint8  `json:"protocol"`
	SrcIP    string `json:"src_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstIP    string `json:"dst_ip"`
	DstPort  uint16 `json:"dst_port"`

	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`

	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at,omitempty"`
	Cause    string    `json:"cause,omitempty"`
}
