package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/logutil"
)

// ParseAllowedSources parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 (IPv4) or /128 (IPv6) networks. Empty input returns
// nil, which allows every source.
func ParseAllowedSources(list string) ([]*net.IPNet, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(list, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		mask := net.CIDRMask(bits, bits)
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// sourceAllowed reports whether remoteAddr (host or host:port) falls inside
// one of networks. An empty list allows everything.
func sourceAllowed(remoteAddr string, networks []*net.IPNet) bool {
	if len(networks) == 0 {
		return true
	}
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowSources rejects requests whose remote address is outside networks.
// It runs after chi's RealIP so proxied clients are judged by their own
// address.
func AllowSources(networks []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(networks) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sourceAllowed(r.RemoteAddr, networks) {
				log := logging.For("http")
				log.Warn().
					Str("remote", logutil.SanitizeForLog(r.RemoteAddr)).
					Str("path", r.URL.Path).
					Msg("source not in allow list")
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Source address not allowed"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
