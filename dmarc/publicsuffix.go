package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OrganizationalDomain returns the domain directly under the public
// suffix: example.com for sub.example.com, example.co.uk for
// a.b.example.co.uk. Domains without a recognized suffix, like
// bare hostnames, come back unchanged.
func OrganizationalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return ""
	}
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return org
}

// Aligned reports whether two domains satisfy the given alignment
// mode: exact match for strict, same organizational domain for
// relaxed.
func Aligned(domain1, domain2 string, alignment Align) bool {
	d1 := strings.TrimSuffix(strings.ToLower(domain1), ".")
	d2 := strings.TrimSuffix(strings.ToLower(domain2), ".")
	if alignment == AlignStrict {
		return d1 == d2
	}
	return OrganizationalDomain(d1) == OrganizationalDomain(d2)
}
