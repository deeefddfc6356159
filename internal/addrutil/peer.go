package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// DefaultLinkPort is used for link peers configured without a port.
const DefaultLinkPort = 47000

// PeerAddr normalises a configured link peer into "host:port".
//
// Operators list peers as bare hosts, "host:port", bracketed IPv6 or the
// unbracketed "2001:db8::1:47000" form that shows up when addresses are pasted
// from logs. A missing or unparsable port falls back to defaultPort.
func PeerAddr(addr string, defaultPort int) (string, bool) {
	host, port := splitAddr(addr)
	if host == "" {
		return "", false
	}
	if port <= 0 {
		port = defaultPort
	}
	if port <= 0 || port > 65535 {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// PeerAddrs normalises a list, dropping entries that cannot be used and
// duplicates.
func PeerAddrs(addrs []string, defaultPort int) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		norm, ok := PeerAddr(a, defaultPort)
		if !ok {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func splitAddr(addr string) (string, int) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", 0
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, p, err := net.SplitHostPort(a); err == nil {
		port, _ := strconv.Atoi(p)
		return h, port
	}

	// Unbracketed IPv6 with a trailing ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if port, err := strconv.Atoi(a[last+1:]); err == nil && net.ParseIP(a[:last]) != nil {
				return a[:last], port
			}
		}
	}

	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]"), 0
	}
	return a, 0
}
