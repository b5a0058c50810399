package middleware

import (
	"net"
	"net/http"
)

// ParseCIDRs parses CIDR strings; invalid entries are returned separately
// so the caller can log them.
func ParseCIDRs(cidrs []string) (out []*net.IPNet, invalid []string) {
	for _, s := range cidrs {
		_, n, err := net.ParseCIDR(s)
		if err != nil || n == nil {
			invalid = append(invalid, s)
			continue
		}
		out = append(out, n)
	}
	return out, invalid
}

// AdminGate restricts access to admin endpoints by remote IP against allowed CIDR list.
func AdminGate(allowed []*net.IPNet, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		for _, n := range allowed {
			if n.Contains(ip) {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}
