package naming

import (
	"net"
	"net/netip"
	"strings"

	"github.com/jabolina/go-roam/pkg/roam/types"
)

// Longest prefix evaluated when looking for a close address.
const longestPrefix = 24

// Extracts the IP from values such as `http://10.0.0.1:80`,
// `10.0.0.1:80` or `10.0.0.1`.
func parseIP(value string) (netip.Addr, bool) {
	value = strings.TrimPrefix(value, "http://")
	value = strings.TrimPrefix(value, "https://")
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}

	ip, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// FindClosest selects the candidate topologically closest to the requester.
// A candidate on the same IP wins immediately, otherwise the candidate sharing
// the longest IPv4 prefix, from /24 down to /1, wins. Ties go to the first
// candidate. Returns false when no candidate shares any prefix.
func FindClosest(requester string, candidates []types.Address) (types.Address, bool) {
	self, ok := parseIP(requester)
	if !ok {
		return "", false
	}

	ips := make([]netip.Addr, len(candidates))
	valid := make([]bool, len(candidates))
	for i, candidate := range candidates {
		ips[i], valid[i] = parseIP(string(candidate))
		if valid[i] && ips[i] == self {
			return candidate, true
		}
	}

	if !self.Is4() {
		return "", false
	}

	for bits := longestPrefix; bits > 0; bits-- {
		network := netip.PrefixFrom(self, bits).Masked()
		for i, candidate := range candidates {
			if valid[i] && ips[i].Is4() && network.Contains(ips[i]) {
				return candidate, true
			}
		}
	}
	return "", false
}
