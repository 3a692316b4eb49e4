package upstream

import (
	"net"
	"net/netip"
	"strings"
)

// Bypassed reports whether host should be reached directly. host may include
// a port. Patterns are matched case-insensitively:
//
//	example.com       exactly example.com
//	*.example.com     any subdomain of example.com
//	.example.com      example.com and its subdomains
//	10.0.0.0/8        any address in the network
//	<local>           hosts without a dot, plus loopback addresses
//
// A lone "*" matches every host.
func (r *Route) Bypassed(host string) bool {
	if r == nil {
		return true
	}
	host = stripPort(strings.ToLower(host))
	for _, p := range r.Bypass {
		if matchBypass(strings.ToLower(strings.TrimSpace(p)), host) {
			return true
		}
	}
	return false
}

func matchBypass(pattern, host string) bool {
	switch {
	case pattern == "":
		return false
	case pattern == "*":
		return true
	case pattern == "<local>":
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.IsLoopback()
		}
		return host == "localhost" || !strings.Contains(host, ".")
	case strings.Contains(pattern, "/"):
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		addr, err := netip.ParseAddr(host)
		return err == nil && prefix.Contains(addr.Unmap())
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:])
	case strings.HasPrefix(pattern, "."):
		return host == pattern[1:] || strings.HasSuffix(host, pattern)
	default:
		return host == stripPort(pattern)
	}
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}
