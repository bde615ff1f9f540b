// Package resolve implements the tiered deep link resolution algorithm.
package resolve

import (
	"net/url"
	"strings"
)

// Provider describes the third-party target a deep link points at.
type Provider struct {
	// Name keys the provider's fragment inside result patches, e.g. "wolt".
	Name string

	// Domain restricts external searches, e.g. "wolt.com".
	Domain string

	// AllowedHosts accepts result URLs: exact hosts ("wolt.com") or
	// wildcard subdomains ("*.wolt.com"). Empty defaults to the domain
	// plus its wildcard.
	AllowedHosts []string
}

// Allows reports whether host passes the provider's allow-list.
func (p Provider) Allows(host string) bool {
	host = strings.ToLower(host)
	patterns := p.AllowedHosts
	if len(patterns) == 0 {
		patterns = []string{p.Domain, "*." + p.Domain}
	}

	for _, pattern := range patterns {
		pattern = strings.ToLower(pattern)
		if rest, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+rest) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// AllowsURL reports whether raw's host passes the allow-list. Unparseable
// URLs never pass.
func (p Provider) AllowsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	return p.Allows(u.Hostname())
}

// InternalSearchURL builds the provider's own search URL for name. It is
// always constructible, which is what makes tier 3 unconditional.
func (p Provider) InternalSearchURL(name string) string {
	// QueryEscape encodes spaces as "+"; provider search pages expect %20.
	escaped := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return "https://" + p.Domain + "/search?q=" + escaped
}
