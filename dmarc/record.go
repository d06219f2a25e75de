package dmarc

import (
	"fmt"
	"strings"
)

// URI is a report destination from a rua= or ruf= tag.
type URI struct {
	// Address is the full URI, typically "mailto:...".
	Address string

	// MaxSize caps report size, in units of Unit. Zero means no cap.
	MaxSize uint64

	// Unit is "", "k", "m", "g" or "t" (powers of 2).
	Unit string
}

func (u URI) String() string {
	s := strings.NewReplacer(",", "%2C", "!", "%21").Replace(u.Address)
	if u.MaxSize > 0 {
		s += fmt.Sprintf("!%d%s", u.MaxSize, u.Unit)
	}
	return s
}

// Record is a parsed DMARC policy record, e.g.
//
//	v=DMARC1; p=reject; rua=mailto:dmarc@example.com
type Record struct {
	Version string // v=, "DMARC1".

	// Policy applies to the publishing domain, SubdomainPolicy to its
	// subdomains when set.
	Policy          Policy
	SubdomainPolicy Policy

	// AggregateReportAddresses (rua=) and FailureReportAddresses
	// (ruf=) receive DMARC reports.
	AggregateReportAddresses []URI
	FailureReportAddresses   []URI

	// ADKIM and ASPF are the alignment modes, relaxed by default.
	ADKIM Align
	ASPF  Align

	// AggregateReportingInterval is ri= in seconds, default 86400.
	AggregateReportingInterval int

	// FailureReportingOptions is fo=: "0" all fail, "1" any fail,
	// "d" DKIM failure, "s" SPF failure.
	FailureReportingOptions []string

	// ReportingFormat is rf=, default "afrf".
	ReportingFormat []string

	// Percentage is pct=: how many messages the policy applies to.
	Percentage int
}

// DefaultRecord carries the RFC 7489 defaults for optional tags.
var DefaultRecord = Record{
	Version:                    "DMARC1",
	ADKIM:                      AlignRelaxed,
	ASPF:                       AlignRelaxed,
	AggregateReportingInterval: 86400,
	FailureReportingOptions:    []string{"0"},
	ReportingFormat:            []string{"afrf"},
	Percentage:                 100,
}

// String renders the record as a TXT value, omitting tags at their
// defaults.
func (r Record) String() string {
	var b strings.Builder
	b.WriteString("v=" + r.Version)

	tag := func(when bool, name, value string) {
		if when {
			fmt.Fprintf(&b, "; %s=%s", name, value)
		}
	}

	tag(r.Policy != "", "p", string(r.Policy))
	tag(r.SubdomainPolicy != "", "sp", string(r.SubdomainPolicy))
	tag(len(r.AggregateReportAddresses) > 0, "rua", joinURIs(r.AggregateReportAddresses))
	tag(len(r.FailureReportAddresses) > 0, "ruf", joinURIs(r.FailureReportAddresses))
	tag(r.ADKIM != AlignRelaxed, "adkim", string(r.ADKIM))
	tag(r.ASPF != AlignRelaxed, "aspf", string(r.ASPF))
	tag(r.AggregateReportingInterval != 86400, "ri", fmt.Sprintf("%d", r.AggregateReportingInterval))
	if fo := strings.Join(r.FailureReportingOptions, ":"); fo != "" && fo != "0" {
		tag(true, "fo", fo)
	}
	if rf := strings.Join(r.ReportingFormat, ":"); rf != "" && rf != "afrf" {
		tag(true, "rf", rf)
	}
	tag(r.Percentage != 100, "pct", fmt.Sprintf("%d", r.Percentage))

	return b.String()
}

func joinURIs(uris []URI) string {
	l := make([]string, len(uris))
	for i, u := range uris {
		l[i] = u.String()
	}
	return strings.Join(l, ",")
}

// EffectivePolicy resolves the policy for the From domain: sp= for
// subdomains when present, p= otherwise.
func (r *Record) EffectivePolicy(isSubdomain bool) Policy {
	if isSubdomain && r.SubdomainPolicy != PolicyEmpty {
		return r.SubdomainPolicy
	}
	return r.Policy
}
