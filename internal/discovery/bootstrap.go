package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"meshterm/internal/node"
)

// ParseBootstrap reads "host:port" or "<peer-id-hex>@host:port" entries.
func ParseBootstrap(entries []string) ([]Candidate, error) {
	out := make([]Candidate, 0, len(entries))
	seen := make(map[string]bool)
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var c Candidate
		addr := raw
		if at := strings.LastIndexByte(raw, '@'); at >= 0 {
			id, err := node.ParsePeerID(raw[:at])
			if err != nil {
				return nil, fmt.Errorf("bootstrap %q: %w", raw, err)
			}
			c.ID = id
			addr = raw[at+1:]
		}
		if !validAddr(addr) {
			return nil, fmt.Errorf("bootstrap %q: bad address", raw)
		}
		c.Addr = addr
		if seen[c.key()] {
			continue
		}
		seen[c.key()] = true
		out = append(out, c)
	}
	return out, nil
}

func validAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p < 65536
}
