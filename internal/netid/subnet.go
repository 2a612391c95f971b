// Package netid derives coarse network-identity tokens from client IP
// addresses. The subnet token groups devices likely sharing a network; the
// household id is its stable hash-derived form.
package netid

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Unknown is the sentinel subnet token for empty or unparseable addresses.
const Unknown = "unknown"

// Subnet derives a coarse subnet token from a client IP string.
// IPv4 addresses keep their first three octets as a /24; IPv6 addresses keep
// their first four hextets as a /64. Invalid input yields Unknown, never an
// error.
func Subnet(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return Unknown
	}

	if strings.Contains(ip, ".") && !strings.Contains(ip, ":") {
		octets := strings.Split(ip, ".")
		if len(octets) != 4 {
			return Unknown
		}
		for _, o := range octets {
			if !isOctet(o) {
				return Unknown
			}
		}
		return fmt.Sprintf("%s.%s.%s.0/24", octets[0], octets[1], octets[2])
	}

	if strings.Contains(ip, ":") {
		hextets := strings.Split(ip, ":")
		if len(hextets) < 4 {
			return Unknown
		}
		for i := 0; i < 4; i++ {
			if !isHextet(hextets[i]) {
				return Unknown
			}
		}
		return strings.Join(hextets[:4], ":") + "::/64"
	}

	return Unknown
}

// HouseholdID derives the deterministic household identifier for a subnet
// token. Identities sharing a subnet share a household id regardless of
// device.
func HouseholdID(subnet string) string {
	return fmt.Sprintf("hh-%016x", murmur3.Sum64([]byte(subnet)))
}

func isOctet(s string) bool {
	if len(s) == 0 || len(s) > 3 {
		return false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n <= 255
}

func isHextet(s string) bool {
	// Empty hextets appear in compressed IPv6 notation ("2001:db8::1") and
	// are carried through as-is.
	if len(s) > 4 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
