package dmarc

import (
	"context"
	"fmt"
	"strings"

	"github.com/sablemail/gatekeeper/dns"
)

// Lookup finds the DMARC policy for domain: first at _dmarc.<domain>,
// then at _dmarc.<orgdomain> when the exact domain publishes nothing.
// The returned domain is where the record was found. authentic is
// true only when every response involved was DNSSEC-signed.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, recordDomain string, record *Record, authentic bool, err error) {
	status, record, authentic, err = lookupRecord(ctx, resolver, domain)
	if status != StatusNone || record != nil {
		return status, domain, record, authentic, err
	}

	orgDomain := OrganizationalDomain(domain)
	if strings.EqualFold(orgDomain, strings.TrimSuffix(domain, ".")) {
		return StatusNone, domain, nil, authentic, err
	}

	status, record, orgAuthentic, err := lookupRecord(ctx, resolver, orgDomain)
	return status, orgDomain, record, authentic && orgAuthentic, err
}

func lookupRecord(ctx context.Context, resolver dns.Resolver, domain string) (Status, *Record, bool, error) {
	name := "_dmarc." + strings.TrimSuffix(domain, ".") + "."

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return StatusNone, nil, result.Authentic, ErrNoRecord
		}
		return StatusTemperror, nil, result.Authentic, fmt.Errorf("%w: %s", ErrDNS, err)
	}

	var record *Record
	for _, txt := range result.Records {
		r, isDMARC, err := ParseRecord(txt)
		if !isDMARC {
			continue
		}
		if err != nil {
			return StatusPermerror, nil, result.Authentic, err
		}
		if record != nil {
			// RFC 7489 section 6.6.3: multiple records mean the
			// domain does not participate.
			return StatusNone, nil, result.Authentic, ErrMultipleRecords
		}
		record = r
	}

	if record == nil {
		return StatusNone, nil, result.Authentic, ErrNoRecord
	}
	return StatusNone, record, result.Authentic, nil
}
