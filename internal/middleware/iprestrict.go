package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/logutil"
)

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 (IPv4) or /128 (IPv6) networks. Empty input
// returns nil, which allows everyone.
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
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
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// ipAllowed reports whether remoteAddr, with or without a port, falls in
// one of networks.
func ipAllowed(remoteAddr string, networks []*net.IPNet) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return false
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowIPs rejects requests whose source address is outside networks with
// 403. It must run after chi's RealIP when the server sits behind a proxy.
// A nil or empty list lets every request through.
func AllowIPs(networks []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(networks) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ipAllowed(r.RemoteAddr, networks) {
				log.Warnf("[api] blocked request from %s to %s", logutil.SanitizeForLog(r.RemoteAddr), logutil.SanitizeForLog(r.URL.Path))
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "source address not allowed", "kind": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
