package middleware

import (
	"net"
	"net/http"
	"strings"

	"offlinegate/internal/logging"
)

type ipFilter struct {
	logger  logging.Logger
	nets    []*net.IPNet
	trusted []*net.IPNet
}

// IPFilter blocks requests whose client IP falls in any of the blocked CIDR
// ranges. The client IP is the peer address unless the peer is a trusted
// proxy, in which case X-Forwarded-For is walked from the right past every
// trusted hop.
func IPFilter(logger logging.Logger, blocked, trustedProxies []string) (Middleware, error) {
	if len(blocked) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}, nil
	}
	if logger == nil {
		logger = logging.Nop()
	}

	nets, err := parseCIDRs(blocked)
	if err != nil {
		return nil, err
	}
	trusted, err := parseCIDRs(trustedProxies)
	if err != nil {
		return nil, err
	}

	f := &ipFilter{
		logger:  logger,
		nets:    nets,
		trusted: trusted,
	}
	return f.middleware, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

func (f *ipFilter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := f.clientIP(r)
		if ip == nil {
			next.ServeHTTP(w, r)
			return
		}

		if contains(f.nets, ip) {
			f.logger.Info("ip blocked",
				"ip", ip.String(),
				"path", r.URL.Path,
			)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (f *ipFilter) clientIP(r *http.Request) net.IP {
	peer := peerIP(r.RemoteAddr)
	if peer == nil || !contains(f.trusted, peer) {
		return peer
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			break
		}
		if !contains(f.trusted, ip) {
			return ip
		}
	}
	return peer
}

func peerIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
