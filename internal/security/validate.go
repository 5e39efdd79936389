// Package security provides input validation and log redaction helpers.
package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// blockedHostnames are names that must never reach the browser.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"local":                    true,
	"ip6-localhost":            true,
	"ip6-loopback":             true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// cloudMetadataIPs are addresses of cloud provider metadata services.
// A browser pointed at one of these can leak instance credentials.
var cloudMetadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	net.ParseIP("169.254.170.2"),   // AWS ECS task metadata
	net.ParseIP("100.100.100.200"), // Alibaba Cloud
	net.ParseIP("192.0.0.192"),     // Oracle Cloud IMDS
	net.ParseIP("fd00:ec2::254"),   // AWS IPv6 metadata
	net.ParseIP("fc00:ec2::254"),   // AWS IPv6 metadata (alternate)
}

// ValidateTargetURL checks that a navigation target is safe to hand to the
// browser. It blocks non-HTTP(S) schemes, localhost and its aliases,
// private and link-local ranges, cloud metadata endpoints, and the usual
// IP literal encoding tricks (decimal, octal, hex, shortened forms).
// Hostnames are not resolved here: resolution happens inside the browser
// behind the bridge, so a lookup at validation time would pin nothing.
func ValidateTargetURL(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}

	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return ErrInvalidURL
	}
	if isBlockedHostname(hostname) {
		return ErrLocalhostBlocked
	}

	if ip := literalIP(hostname); ip != nil {
		return validateIP(ip)
	}
	return nil
}

func isBlockedHostname(hostname string) bool {
	if blockedHostnames[hostname] {
		return true
	}
	// foo.localhost resolves to loopback, localhost.<tld> is a common alias
	return strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.")
}

// literalIP interprets hostname as an IP literal, covering the encodings
// used to smuggle loopback past naive checks: dotted quad, IPv6
// (including IPv4-mapped), a single decimal or hex number (2130706433,
// 0x7f000001), per-octet octal or hex (0177.0.0.1, 0x7f.0.0.1), and the
// shortened two-part form (127.1). Returns nil when hostname is not an
// IP literal at all.
func literalIP(hostname string) net.IP {
	if ip := net.ParseIP(hostname); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
		return ip
	}

	parts := strings.Split(hostname, ".")
	switch len(parts) {
	case 1:
		// Whole address as a single number
		num, err := parseIPNumber(parts[0])
		if err != nil || num > 0xFFFFFFFF {
			return nil
		}
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	case 2:
		// First octet plus a 24-bit remainder
		first, err1 := parseIPNumber(parts[0])
		rest, err2 := parseIPNumber(parts[1])
		if err1 != nil || err2 != nil || first > 255 || rest > 0xFFFFFF {
			return nil
		}
		return net.IPv4(byte(first), byte(rest>>16), byte(rest>>8), byte(rest))
	case 4:
		var octets [4]byte
		for i, part := range parts {
			val, err := parseIPNumber(part)
			if err != nil || val > 255 {
				return nil
			}
			octets[i] = byte(val)
		}
		return net.IPv4(octets[0], octets[1], octets[2], octets[3])
	}
	return nil
}

// parseIPNumber parses an address component that may be decimal, octal
// (leading 0), or hexadecimal (leading 0x).
func parseIPNumber(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty component")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if len(s) > 1 && s[0] == '0' {
		return strconv.ParseUint(s[1:], 8, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func validateIP(ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	// Metadata endpoints first: most sit inside link-local or ULA ranges,
	// and the more specific error is the useful one.
	for _, meta := range cloudMetadataIPs {
		if ip.Equal(meta) {
			return ErrMetadataBlocked
		}
	}

	if ip.IsLoopback() {
		return ErrLocalhostBlocked
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	return nil
}
