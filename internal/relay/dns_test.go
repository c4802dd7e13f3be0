package relay

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func packQuery(t *testing.T, name string, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	return b
}

func packAnswer(t *testing.T, name string, id uint16, ttl uint32) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	m.Response = true
	rr, err := dns.NewRR(dns.Fqdn(name) + " 300 IN A 93.184.216.34")
	if err != nil {
		t.Fatalf("build rr: %v", err)
	}
	rr.Header().Ttl = ttl
	m.Answer = append(m.Answer, rr)
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("pack answer: %v", err)
	}
	return b
}

func TestDNSCacheHitRewritesID(t *testing.T) {
	c := newDNSCache(DNSCacheTTL{Min: time.Minute, Max: time.Hour})

	if _, ok := c.lookup(packQuery(t, "example.com", 1)); ok {
		t.Fatal("cold cache answered a query")
	}

	c.store(packAnswer(t, "example.com", 1, 300))

	resp, ok := c.lookup(packQuery(t, "example.com", 4242))
	if !ok {
		t.Fatal("warm cache missed")
	}
	var m dns.Msg
	if err := m.Unpack(resp); err != nil {
		t.Fatalf("unpack cached response: %v", err)
	}
	if m.Id != 4242 {
		t.Errorf("response ID = %d, want 4242", m.Id)
	}
	if len(m.Answer) != 1 {
		t.Fatalf("answer count = %d, want 1", len(m.Answer))
	}
}

func TestDNSCacheExpiry(t *testing.T) {
	c := newDNSCache(DNSCacheTTL{Min: time.Nanosecond, Max: time.Nanosecond})
	c.store(packAnswer(t, "example.com", 1, 1))

	time.Sleep(time.Millisecond)
	if _, ok := c.lookup(packQuery(t, "example.com", 2)); ok {
		t.Error("expired entry was served")
	}
}

func TestDNSCacheIgnoresFailures(t *testing.T) {
	c := newDNSCache(DNSCacheTTL{Min: time.Minute, Max: time.Hour})

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("missing.example"), dns.TypeA)
	m.Response = true
	m.Rcode = dns.RcodeNameError
	b, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	c.store(b)

	if _, ok := c.lookup(packQuery(t, "missing.example", 1)); ok {
		t.Error("NXDOMAIN response was cached")
	}

	c.store([]byte{0x01, 0x02}) // garbage must not panic or poison the cache
	if _, ok := c.lookup(packQuery(t, "missing.example", 1)); ok {
		t.Error("garbage store produced a cache entry")
	}
}
