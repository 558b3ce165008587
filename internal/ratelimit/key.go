package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// KeyFunc derives the rate-limit client key from a request.
type KeyFunc func(r *http.Request) string

// ClientIPStrategy extracts the client IP. Forwarding headers are only
// believed when the direct peer is a trusted proxy; otherwise any client
// could rotate its key by forging X-Forwarded-For.
type ClientIPStrategy struct {
	trusted []netip.Prefix
}

// NewClientIPStrategy parses the trusted proxy CIDRs. A bare address is
// treated as a single-host prefix.
func NewClientIPStrategy(trustedProxies []string) (*ClientIPStrategy, error) {
	s := &ClientIPStrategy{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			s.trusted = append(s.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		s.trusted = append(s.trusted, p.Masked())
	}
	return s, nil
}

func (s *ClientIPStrategy) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ipv6KeyBits is the prefix length IPv6 clients are keyed on. A single
// host usually controls a whole /64.
const ipv6KeyBits = 64

// Extract returns the client key: the client IPv4 address, or the /64 that
// contains the client IPv6 address. With a trusted peer, X-Forwarded-For is
// walked right to left and the first untrusted hop wins; X-Real-IP is
// consulted next. RemoteAddr is the fallback.
func (s *ClientIPStrategy) Extract(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	peerAddr, err := netip.ParseAddr(peer)
	if err != nil {
		return peer
	}
	if len(s.trusted) == 0 || !s.isTrusted(peerAddr) {
		return clientKey(peerAddr)
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !s.isTrusted(hop) {
				return clientKey(hop)
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return clientKey(addr)
		}
	}
	return clientKey(peerAddr)
}

func clientKey(addr netip.Addr) string {
	addr = addr.Unmap().WithZone("")
	if addr.Is4() {
		return addr.String()
	}
	p, err := addr.Prefix(ipv6KeyBits)
	if err != nil {
		return addr.String()
	}
	return p.String()
}

// KeyFunc adapts the strategy to a KeyFunc.
func (s *ClientIPStrategy) KeyFunc() KeyFunc { return s.Extract }

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
