package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tungate/internal/api"
	"tungate/internal/config"
	"tungate/internal/events"
	"tungate/internal/flowlog"
	"tungate/internal/relay"
)

// openDevice returns the virtual network device. A positive fd means the
// supervisor already opened it and passed it down; otherwise the configured
// path is opened directly.
func openDevice(cfg config.DeviceConfig) (io.ReadWriteCloser, error) {
	if cfg.FD > 0 {
		return os.NewFile(uintptr(cfg.FD), "tun"), nil
	}
	return os.OpenFile(cfg.Path, os.O_RDWR, 0)
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	log.Println("Starting tungated...")

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	opts, err := cfg.RelayOptions()
	if err != nil {
		log.Fatalf("Invalid relay configuration: %v", err)
	}

	// 2. Wire the optional flow event sinks
	var reporters []relay.FlowReporter
	if cfg.Events.Enabled {
		publisher, err := events.NewPublisher(cfg.Events.URL, cfg.Events.Subject)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer publisher.Close()
		reporters = append(reporters, publisher)
	}
	if cfg.FlowLog.Enabled {
		flush, err := cfg.FlowLog.ParsedFlushInterval()
		if err != nil {
			log.Fatalf("Invalid flowlog configuration: %v", err)
		}
		recorder, err := flowlog.NewRecorder(flowlog.Options{
			Addr:          cfg.FlowLog.Addr,
			Database:      cfg.FlowLog.Database,
			Table:         cfg.FlowLog.Table,
			BatchSize:     cfg.FlowLog.BatchSize,
			FlushInterval: flush,
		})
		if err != nil {
			log.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer recorder.Close()
		reporters = append(reporters, recorder)
	}

	// 3. Open the device and start the relay engine
	dev, err := openDevice(cfg.Device)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	engine := relay.NewEngine(dev, opts, reporters...)
	engine.Start()

	// 4. Start the statistics API
	var apiServer *api.Server
	if cfg.API.ListenAddr != "" {
		apiServer = api.NewServer(cfg.API.ListenAddr, engine)
		apiServer.Start()
	}

	// 5. Wait for a shutdown signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	log.Println("Shutdown signal received, stopping relay...")
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Printf("API server shutdown: %v", err)
		}
		cancel()
	}
	engine.Stop()
	log.Println("Shutdown complete.")
}
