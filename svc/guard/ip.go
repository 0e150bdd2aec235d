package guard

import (
	"net"
	"net/http"
	"strings"

	"vanish/svc/util"
)

const maxXFFEntries = 100

// IPResolver derives the client address. Forwarding headers are honoured
// only when the direct peer is a trusted proxy; headers are tried in order
// and the first one yielding an address wins.
type IPResolver struct {
	trusted []*net.IPNet
	headers []string
}

func NewIPResolver(trustedProxies, headers []string) (*IPResolver, error) {
	res := &IPResolver{headers: headers}
	for _, p := range trustedProxies {
		n, err := parseNet(p)
		if err != nil {
			return nil, err
		}
		res.trusted = append(res.trusted, n)
	}
	return res, nil
}

// parseNet accepts a CIDR or a bare address, which becomes a host route.
func parseNet(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		return n, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: s}
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
func (res *IPResolver) isTrusted(ip net.IP) bool {
	for _, n := range res.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the resolved address of r, cached on the request
// context once a check has computed it.
func (res *IPResolver) ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ipKey).(string); ok {
		return ip
	}
	return res.resolve(r)
}
func (res *IPResolver) resolve(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	peer := net.ParseIP(remote)
	if peer == nil || len(res.trusted) == 0 || !res.isTrusted(peer) {
		return remote
	}
	for _, h := range res.headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if strings.EqualFold(h, "X-Forwarded-For") {
			if ip := res.walkXFF(v); ip != "" {
				return ip
			}
			continue
		}
		if ip := net.ParseIP(strings.TrimSpace(v)); ip != nil {
			return ip.String()
		}
	}
	return remote
}

// walkXFF scans right to left and returns the first hop that is not one
// of our proxies.
func (res *IPResolver) walkXFF(xff string) string {
	parsed := 0
	remaining := xff
	for len(remaining) > 0 && parsed < maxXFFEntries {
		var ipStr string
		if i := strings.LastIndexByte(remaining, ','); i == -1 {
			ipStr, remaining = strings.TrimSpace(remaining), ""
		} else {
			ipStr, remaining = strings.TrimSpace(remaining[i+1:]), remaining[:i]
		}
		if ipStr == "" {
			continue
		}
		parsed++
		ip := net.ParseIP(ipStr)
		if ip == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !res.isTrusted(ip) {
			return ip.String()
		}
	}
	if parsed >= maxXFFEntries {
		util.Warn().Int("parsed", parsed).Msg("XFF header excessive, truncated parsing")
	}
	return ""
}
func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// IPAllowed reports whether client satisfies the restriction rule, an
// address or CIDR. An empty rule allows everyone. The rule "localhost"
// matches loopback clients.
func IPAllowed(rule, client string) bool {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return true
	}
	ip := net.ParseIP(client)
	if ip == nil {
		return false
	}
	if strings.EqualFold(rule, "localhost") {
		return ip.IsLoopback()
	}
	n, err := parseNet(rule)
	if err != nil {
		return false
	}
	return n.Contains(ip)
}

// ValidIPRule reports whether rule can be stored as an allowedIp.
func ValidIPRule(rule string) bool {
	if strings.EqualFold(rule, "localhost") {
		return true
	}
	_, err := parseNet(rule)
	return err == nil
}
