// pcapgen writes a synthetic raw-IP capture of client-side TCP and UDP flows
// for feeding into pcap-replay.
package main

import (
	"flag"
	"log"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"tungate/internal/packet"
)

const clientIP = "10.0.0.2"

func randomServerIP() string {
	return net.IPv4(byte(rand.IntN(223)+1), byte(rand.IntN(256)), byte(rand.IntN(256)), byte(rand.IntN(254)+1)).String()
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	flowCount := flag.Int("c", 100, "Number of flows to generate")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	log.Printf("Generating %d flows into %s...", *flowCount, *outputFile)

	write := func(frame []byte) {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := pcapWriter.WritePacket(ci, frame); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
	}

	total := 0
	for i := 0; i < *flowCount; i++ {
		dstIP := randomServerIP()
		srcPort := uint16(rand.IntN(65535-1024) + 1024)

		if i%2 == 0 {
			// A short TCP exchange: SYN, one data segment, FIN.
			dstPort := uint16(80)
			isn := rand.Uint32()
			payload := make([]byte, rand.IntN(1200)+64)

			write(packet.BuildTCPPacket(clientIP, dstIP, srcPort, dstPort, isn, 0, packet.FlagSYN, 65535, nil, packet.NextID()))
			write(packet.BuildTCPPacket(clientIP, dstIP, srcPort, dstPort, isn+1, 1, packet.FlagACK|packet.FlagPSH, 65535, payload, packet.NextID()))
			write(packet.BuildTCPPacket(clientIP, dstIP, srcPort, dstPort, isn+1+uint32(len(payload)), 1, packet.FlagFIN|packet.FlagACK, 65535, nil, packet.NextID()))
			total += 3
		} else {
			// A burst of UDP datagrams on one key, half of them DNS-flavored.
			dstPort := uint16(443)
			if i%4 == 1 {
				dstPort = 53
			}
			for j := 0; j < rand.IntN(4)+1; j++ {
				payload := make([]byte, rand.IntN(400)+32)
				write(packet.BuildUDPPacket(clientIP, dstIP, srcPort, dstPort, payload, packet.NextID()))
				total++
			}
		}
	}

	log.Printf("Done: %d packets written.", total)
}
