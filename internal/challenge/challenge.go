// Package challenge classifies interstitial challenge pages by tab title
// and waits for them to clear.
package challenge

import "strings"

// Kind identifies which protection vendor's interstitial is showing.
type Kind int

const (
	// KindNone means no known interstitial is present.
	KindNone Kind = iota
	// KindCloudflare is the Cloudflare "Just a moment..." interstitial.
	KindCloudflare
	// KindDdosGuard is the DDoS-Guard interstitial.
	KindDdosGuard
)

func (k Kind) String() string {
	switch k {
	case KindCloudflare:
		return "cloudflare"
	case KindDdosGuard:
		return "ddos-guard"
	default:
		return "none"
	}
}

// Detector classifies tab titles against the signature registry.
// The title is the only signal: the browser driver exposes no reliable
// status code, and a false positive just means the waiter observes the
// title change on its first tick.
type Detector struct {
	registry *Registry
}

// NewDetector returns a Detector reading signatures from reg.
func NewDetector(reg *Registry) *Detector {
	return &Detector{registry: reg}
}

// Classify maps a tab title to the interstitial it indicates.
// DDoS-Guard outranks Cloudflare when both match.
func (d *Detector) Classify(title string) Kind {
	sig := d.registry.Get()
	lower := strings.ToLower(title)

	for _, pattern := range sig.DdosGuard {
		if strings.Contains(lower, pattern) {
			return KindDdosGuard
		}
	}
	for _, pattern := range sig.Cloudflare {
		if strings.Contains(lower, pattern) {
			return KindCloudflare
		}
	}
	return KindNone
}

// Present reports whether the given interstitial kind is still showing.
func (d *Detector) Present(kind Kind, title string) bool {
	sig := d.registry.Get()
	lower := strings.ToLower(title)

	var patterns []string
	switch kind {
	case KindCloudflare:
		patterns = sig.Cloudflare
	case KindDdosGuard:
		patterns = sig.DdosGuard
	default:
		return false
	}

	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
