// Package pcap reads capture files and yields the raw IPv4 frames inside
// them, regardless of the capture's link type. It backs the replay tool.
package pcap

import (
	"io"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Reader reads packets from a pcap file.
type Reader struct {
	file   *os.File
	reader *pcapgo.Reader
}

// NewReader creates a new pcap reader for the given file path.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{file: f, reader: r}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() {
	r.file.Close()
}

// LinkType reports the capture's link type.
func (r *Reader) LinkType() layers.LinkType {
	return r.reader.LinkType()
}

// ReadPackets reads every packet in the file and sends the contained IPv4
// frame to the provided channel. Packets without an IPv4 layer are skipped.
// The channel is closed when the file is exhausted.
func (r *Reader) ReadPackets(out chan<- []byte) {
	defer close(out)
	for {
		data, _, err := r.reader.ReadPacketData()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Printf("Error reading packet: %v", err)
			continue
		}
		if frame := r.extractIPv4(data); frame != nil {
			out <- frame
		}
	}
}

// extractIPv4 decodes a captured packet down to its IPv4 layer and returns
// header plus payload as one contiguous frame.
func (r *Reader) extractIPv4(data []byte) []byte {
	pkt := gopacket.NewPacket(data, r.reader.LinkType(), gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil
	}
	frame := make([]byte, 0, len(ip.Contents)+len(ip.Payload))
	frame = append(frame, ip.Contents...)
	return append(frame, ip.Payload...)
}
