package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tungate/internal/relay"
)

// DeviceConfig selects the virtual network device. Either a filesystem path
// or an inherited file descriptor; fd takes precedence when both are set.
type DeviceConfig struct {
	Path string `yaml:"path"`
	FD   int    `yaml:"fd"`
	MTU  int    `yaml:"mtu"`
}

// ProxyConfig points at the upstream SOCKS5 server.
type ProxyConfig struct {
	Address     string `yaml:"address"`
	DialTimeout string `yaml:"dial_timeout"`
}

// RelayConfig tunes the flow engines. Durations are strings in the
// time.ParseDuration format; empty values select built-in defaults.
type RelayConfig struct {
	TCPQueueLen    int    `yaml:"tcp_queue_len"`
	TCPWindow      uint16 `yaml:"tcp_window"`
	TCPIdleTimeout string `yaml:"tcp_idle_timeout"`
	UDPIdleTimeout string `yaml:"udp_idle_timeout"`
	SweepInterval  string `yaml:"sweep_interval"`
}

// DNSConfig controls the port-53 answer cache.
type DNSConfig struct {
	CacheEnabled bool   `yaml:"cache_enabled"`
	CacheTTLMin  string `yaml:"cache_ttl_min"`
	CacheTTLMax  string `yaml:"cache_ttl_max"`
}

// EventsConfig controls the NATS flow-event publisher.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// FlowLogConfig controls the ClickHouse flow-history recorder.
type FlowLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Database      string `yaml:"database"`
	Table         string `yaml:"table"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
}

// APIConfig controls the statistics HTTP endpoint.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Relay   RelayConfig   `yaml:"relay"`
	DNS     DNSConfig     `yaml:"dns"`
	Events  EventsConfig  `yaml:"events"`
	FlowLog FlowLogConfig `yaml:"flowlog"`
	API     APIConfig     `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if cfg.Proxy.Address == "" {
		return nil, fmt.Errorf("proxy.address must be set")
	}
	return &cfg, nil
}

// RelayOptions converts the file representation into engine options. Unset
// durations stay zero so the engine applies its defaults.
func (c *Config) RelayOptions() (relay.Options, error) {
	opts := relay.Options{
		ProxyAddr:   c.Proxy.Address,
		MTU:         c.Device.MTU,
		TCPQueueLen: c.Relay.TCPQueueLen,
		TCPWindow:   c.Relay.TCPWindow,
		DNSCache:    c.DNS.CacheEnabled,
	}
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"proxy.dial_timeout", c.Proxy.DialTimeout, &opts.DialTimeout},
		{"relay.tcp_idle_timeout", c.Relay.TCPIdleTimeout, &opts.TCPIdleTimeout},
		{"relay.udp_idle_timeout", c.Relay.UDPIdleTimeout, &opts.UDPIdleTimeout},
		{"relay.sweep_interval", c.Relay.SweepInterval, &opts.SweepInterval},
		{"dns.cache_ttl_min", c.DNS.CacheTTLMin, &opts.DNSCacheTTL.Min},
		{"dns.cache_ttl_max", c.DNS.CacheTTLMax, &opts.DNSCacheTTL.Max},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return relay.Options{}, fmt.Errorf("invalid duration for %s: %w", f.name, err)
		}
		*f.dst = d
	}
	return opts, nil
}

// ParsedFlushInterval parses the flow log flush interval, defaulting when unset.
func (f FlowLogConfig) ParsedFlushInterval() (time.Duration, error) {
	if f.FlushInterval == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(f.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for flowlog.flush_interval: %w", err)
	}
	return d, nil
}
