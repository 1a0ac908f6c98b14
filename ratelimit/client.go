package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const unknownClient = "unknown"

// ClientIdentifier returns the identifier a request is counted under: the
// first X-Forwarded-For entry, else X-Real-IP, else the peer address, else
// "unknown". When trusted is non-empty the forwarding headers are only
// honoured if the peer falls inside one of the prefixes.
func ClientIdentifier(r *http.Request, trusted []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	if headersTrusted(remoteIP, trusted) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := parseIPCandidate(first); ok {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	if remoteIP != "" {
		return remoteIP
	}
	return unknownClient
}

func headersTrusted(remoteIP string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
