// Package flowlog appends closed-flow records to ClickHouse so flow history
// outlives the process. Events are buffered and written in batches.
package flowlog

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"tungate/internal/core/model"
)

const createFlowHistoryTableStatement = `
CREATE TABLE IF NOT EXISTS tun_flow_history (
    ID            String,
    Kind          String,
    Protocol      UInt8,
    SrcIP         String,
    SrcPort       UInt16,
    DstIP         String,
    DstPort       UInt16,
    BytesSent     UInt64,
    BytesReceived UInt64,
    OpenedAt      DateTime,
    ClosedAt      DateTime,
    Cause         String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(OpenedAt)
ORDER BY (OpenedAt, ID);
`

// Options configures the recorder.
type Options struct {
	Addr          string
	Database      string
	Table         string
	Username      string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder buffers flow events and flushes them to ClickHouse either when
// the batch fills or on a timer. A nil Recorder is a valid no-op.
type Recorder struct {
	conn  driver.Conn
	table string
	size  int

	mu      sync.Mutex
	pending []model.FlowEvent

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRecorder connects to ClickHouse, ensures the history table exists, and
// starts the flush loop.
func NewRecorder(opts Options) (*Recorder, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createFlowHistoryTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create tun_flow_history table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured tun_flow_history table exists.")

	table := opts.Table
	if table == "" {
		table = "tun_flow_history"
	}
	size := opts.BatchSize
	if size <= 0 {
		size = 100
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	r := &Recorder{
		conn:  conn,
		table: table,
		size:  size,
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.flushLoop(interval)
	return r, nil
}

// FlowOpened records an open event.
func (r *Recorder) FlowOpened(ev model.FlowEvent) {
	r.enqueue(ev)
}

// FlowClosed records a close event.
func (r *Recorder) FlowClosed(ev model.FlowEvent) {
	r.enqueue(ev)
}

func (r *Recorder) enqueue(ev model.FlowEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	full := len(r.pending) >= r.size
	r.mu.Unlock()
	if full {
		r.flush()
	}
}

func (r *Recorder) flushLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := r.write(batch); err != nil {
		log.Printf("flowlog: flush of %d events failed: %v", len(batch), err)
	}
}

func (r *Recorder) write(events []model.FlowEvent) error {
	batch, err := r.conn.PrepareBatch(context.Background(), "INSERT INTO "+r.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, ev := range events {
		err := batch.Append(ev.ID, ev.Kind, ev.Protocol,
			ev.SrcIP, ev.SrcPort, ev.DstIP, ev.DstPort,
			ev.BytesSent, ev.BytesReceived, ev.OpenedAt, ev.ClosedAt, ev.Cause)
		if err != nil {
			return fmt.Errorf("failed to append flow event to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Close flushes whatever is pending and shuts the recorder down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.done)
	r.wg.Wait()
	r.flush()
	r.conn.Close()
}
