package gossip

import (
	"net"
	"sync"
)

// ipLimiter caps live connections and inbound streams per remote IP. A
// zero cap disables that check.
type ipLimiter struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	conns      map[string]int
	streams    map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
	}
}

func acquire(mu *sync.Mutex, counts map[string]int, max int, ip string) bool {
	if max <= 0 {
		return true
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[ip] >= max {
		return false
	}
	counts[ip]++
	return true
}

func release(mu *sync.Mutex, counts map[string]int, max int, ip string) {
	if max <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

func (l *ipLimiter) acquireConn(ip string) bool {
	return acquire(&l.mu, l.conns, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	release(&l.mu, l.conns, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	return acquire(&l.mu, l.streams, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	release(&l.mu, l.streams, l.maxStreams, ip)
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
