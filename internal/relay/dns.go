package relay

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DNSCacheTTL bounds how long a cached answer may be served. Responses carry
// their own TTLs; these clamp them.
type DNSCacheTTL struct {
	Min time.Duration
	Max time.Duration
}

func (t *DNSCacheTTL) withDefaults() {
	if t.Min <= 0 {
		t.Min = 10 * time.Second
	}
	if t.Max <= 0 {
		t.Max = 5 * time.Minute
	}
}

type dnsEntry struct {
	msg     *dns.Msg
	expires time.Time
}

// dnsCache answers repeated queries for port-53 datagrams without a round
// trip through the proxy. Keys are question name/type/class; only single
// question, successful, non-empty responses are stored.
type dnsCache struct {
	ttl DNSCacheTTL

	mu      sync.Mutex
	entries map[dns.Question]dnsEntry
}

func newDNSCache(ttl DNSCacheTTL) *dnsCache {
	return &dnsCache{ttl: ttl, entries: make(map[dns.Question]dnsEntry)}
}

// lookup answers query from the cache. The cached response is re-packed with
// the query's ID so the client accepts it.
func (c *dnsCache) lookup(query []byte) ([]byte, bool) {
	var q dns.Msg
	if err := q.Unpack(query); err != nil || q.Response || len(q.Question) != 1 {
		return nil, false
	}

	c.mu.Lock()
	entry, ok := c.entries[q.Question[0]]
	if ok && time.Now().After(entry.expires) {
		delete(c.entries, q.Question[0])
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	resp := entry.msg.Copy()
	resp.Id = q.Id
	packed, err := resp.Pack()
	if err != nil {
		return nil, false
	}
	return packed, true
}

// store caches a response that came back through the relay. The entry
// expires after the minimum answer TTL, clamped to the configured bounds.
func (c *dnsCache) store(response []byte) {
	var m dns.Msg
	if err := m.Unpack(response); err != nil {
		return
	}
	if !m.Response || m.Rcode != dns.RcodeSuccess || len(m.Question) != 1 || len(m.Answer) == 0 {
		return
	}

	minTTL := m.Answer[0].Header().Ttl
	for _, rr := range m.Answer[1:] {
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
	}
	life := time.Duration(minTTL) * time.Second
	if life < c.ttl.Min {
		life = c.ttl.Min
	}
	if life > c.ttl.Max {
		life = c.ttl.Max
	}

	c.mu.Lock()
	c.entries[m.Question[0]] = dnsEntry{msg: m.Copy(), expires: time.Now().Add(life)}
	c.mu.Unlock()
}
