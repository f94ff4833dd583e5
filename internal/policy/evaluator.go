// Package policy classifies browsing activity against flight paths and block lists.
package policy

import (
	"net"
	"net/url"
	"strings"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Verdict is the classification of a URL under a policy
type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictBlocked Verdict = "blocked"
	VerdictOffTask Verdict = "off-task"
)

// OffTask reports whether the verdict should flag the student to staff
func (v Verdict) OffTask() bool {
	return v == VerdictBlocked || v == VerdictOffTask
}

// Classify evaluates rawURL against p. It is pure: no state, no I/O.
//
// A nil policy allows everything. A blocked-domain match wins over an allow-list
// match. A non-empty allow list turns every unmatched web URL into off-task.
// Browser-internal pages (chrome://, about:, file:) and empty URLs are always
// allowed so a flight path never flags the new-tab page.
func Classify(p *types.Policy, rawURL string) Verdict {
	if p == nil {
		return VerdictAllowed
	}

	host, ok := webHost(rawURL)
	if !ok {
		return VerdictAllowed
	}

	if matchesAny(host, p.BlockedDomains) {
		return VerdictBlocked
	}
	if len(p.AllowedDomains) > 0 && !matchesAny(host, p.AllowedDomains) {
		return VerdictOffTask
	}
	return VerdictAllowed
}

// webHost extracts the lowercase host of an http(s) URL
func webHost(rawURL string) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}

	host := u.Hostname()
	if host == "" {
		return "", false
	}
	return strings.TrimSuffix(strings.ToLower(host), "."), true
}

func matchesAny(host string, domains []string) bool {
	for _, d := range domains {
		if MatchDomain(host, d) {
			return true
		}
	}
	return false
}

// MatchDomain reports whether host equals domain or is a subdomain of it.
// Domain entries are normalised first, so "https://www.Example.com/path",
// "*.example.com" and "example.com" all cover "docs.example.com".
func MatchDomain(host, domain string) bool {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return false
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if host == domain {
		return true
	}
	// IP literals only match exactly
	if net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+domain)
}

// NormalizeDomain reduces a configured domain entry to a bare lowercase host
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if h, _, err := net.SplitHostPort(d); err == nil {
		d = h
	}
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimPrefix(d, "www.")
	return strings.Trim(d, ".")
}
