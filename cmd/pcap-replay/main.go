package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tungate/internal/relay"
	"tungate/pkg/pcap"
)

// replayDevice feeds captured frames to the engine as if they came off a
// real device and discards whatever the engine writes back.
type replayDevice struct {
	frames <-chan []byte
	closed chan struct{}
	once   sync.Once

	written atomic.Uint64
}

func (d *replayDevice) Read(p []byte) (int, error) {
	select {
	case frame, ok := <-d.frames:
		if !ok {
			// Capture exhausted; block until shutdown.
			<-d.closed
			return 0, io.EOF
		}
		return copy(p, frame), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *replayDevice) Write(p []byte) (int, error) {
	d.written.Add(uint64(len(p)))
	return len(p), nil
}

func (d *replayDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func main() {
	pcapPath := flag.String("pcap", "", "capture file to replay")
	proxyAddr := flag.String("proxy", "127.0.0.1:1080", "SOCKS5 proxy address")
	drain := flag.Duration("drain", 3*time.Second, "how long to wait for in-flight flows after the capture ends")
	flag.Parse()

	if *pcapPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	reader, err := pcap.NewReader(*pcapPath)
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer reader.Close()

	frames := make(chan []byte, 256)
	dev := &replayDevice{frames: frames, closed: make(chan struct{})}

	engine := relay.NewEngine(dev, relay.Options{ProxyAddr: *proxyAddr})
	engine.Start()

	done := make(chan struct{})
	go func() {
		reader.ReadPackets(frames)
		close(done)
	}()

	<-done
	time.Sleep(*drain)
	engine.Stop()

	stats := engine.Statistics()
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode statistics: %v", err)
	}
	os.Stdout.Write(append(out, '\n'))
	log.Printf("Replay complete: %d bytes written back by the engine", dev.written.Load())
}
