package dmarc

import (
	"context"
	"math/rand"
	"net/mail"
	"strings"

	"github.com/sablemail/gatekeeper/dkim"
	"github.com/sablemail/gatekeeper/dns"
	"github.com/sablemail/gatekeeper/spf"
)

// Args are the inputs to DMARC evaluation: the From domain and the
// earlier SPF and DKIM outcomes for the same message.
type Args struct {
	// FromDomain is the domain of the RFC5322.From address.
	FromDomain string

	// SPFResult and SPFDomain describe the SPF check: its status and
	// the identity domain it validated (MAIL FROM, or HELO).
	SPFResult spf.Status
	SPFDomain string

	// DKIMResults holds one entry per DKIM-Signature header.
	DKIMResults []dkim.Result
}

// Verify looks up the DMARC policy for args.FromDomain and evaluates
// identifier alignment against the SPF and DKIM outcomes.
//
// applyPercentage honors the record's pct= tag: useResult is false
// for the share of messages the domain owner excluded from
// enforcement during rollout. With applyPercentage false, useResult
// is always true.
func Verify(ctx context.Context, resolver dns.Resolver, args Args, applyPercentage bool) (useResult bool, result Result) {
	status, recordDomain, record, authentic, err := Lookup(ctx, resolver, args.FromDomain)
	if record == nil {
		return false, Result{Status: status, Domain: recordDomain, RecordAuthentic: authentic, Err: err}
	}

	result.Domain = recordDomain
	result.Record = record
	result.RecordAuthentic = authentic

	useResult = !applyPercentage || record.Percentage == 100 || rand.Intn(100) < record.Percentage

	isSubdomain := !strings.EqualFold(recordDomain, args.FromDomain)
	result.Reject = record.EffectivePolicy(isSubdomain) != PolicyNone
	result.Status = StatusFail

	if args.SPFResult == spf.StatusTemperror {
		result.Status = StatusTemperror
		result.Reject = false
	}

	if args.SPFResult == spf.StatusPass && args.SPFDomain != "" &&
		Aligned(args.FromDomain, args.SPFDomain, record.ASPF) {
		result.AlignedSPFPass = true
	}

	fromOrgDomain := OrganizationalDomain(args.FromDomain)
	for _, dr := range args.DKIMResults {
		if dr.Status == dkim.StatusTemperror {
			result.Status = StatusTemperror
			result.Reject = false
			continue
		}
		if dr.Status != dkim.StatusPass || dr.Signature == nil {
			continue
		}
		if !Aligned(args.FromDomain, dr.Signature.Domain, record.ADKIM) {
			continue
		}
		// Refuse alignment through a signature whose organizational
		// domain differs, e.g. a suffix-level d=.
		if OrganizationalDomain(dr.Signature.Domain) == fromOrgDomain {
			result.AlignedDKIMPass = true
			break
		}
	}

	if result.AlignedSPFPass || result.AlignedDKIMPass {
		result.Status = StatusPass
		result.Reject = false
	}

	return useResult, result
}

// FromDomain extracts the domain of the single address in a From
// header value.
func FromDomain(fromHeader string) (string, error) {
	if strings.TrimSpace(fromHeader) == "" {
		return "", ErrNoFromHeader
	}
	addrs, err := mail.ParseAddressList(fromHeader)
	if err != nil || len(addrs) == 0 {
		return "", ErrInvalidFromHeader
	}
	// Multiple From addresses are ambiguous for DMARC; evaluate the
	// first.
	addr := addrs[0].Address
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return "", ErrInvalidFromHeader
	}
	return strings.ToLower(addr[at+1:]), nil
}
