package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlocked is matched by every URL or address refused by the SSRF guard.
var ErrBlocked = errors.New("destination not allowed")

// Reserved ranges not covered by the net.IP predicates.
var reserved = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("fc00::/7"),      // IPv6 unique local
	netip.MustParsePrefix("fe80::/10"),     // IPv6 link-local
	netip.MustParsePrefix("0.0.0.0/8"),
}

// CheckURL rejects URLs that could reach internal services: non-HTTPS
// schemes, localhost, .local/.internal hosts, and literal private addresses.
// With allowPrivate only the scheme is checked, and plain HTTP is accepted.
func CheckURL(raw string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", raw)
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && allowPrivate:
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}
	if allowPrivate {
		return u, nil
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%w: localhost", ErrBlocked)
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return nil, fmt.Errorf("%w: local domain %s", ErrBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return nil, fmt.Errorf("%w: private address %s", ErrBlocked, ip)
	}
	return u, nil
}

// IsPrivateIP reports whether ip is loopback, private, link-local,
// unspecified, or in another reserved range. IPv4-mapped IPv6 addresses are
// checked as IPv4.
func IsPrivateIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return true
	}
	for _, p := range reserved {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
