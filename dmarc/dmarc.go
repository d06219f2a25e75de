// Package dmarc implements DMARC policy evaluation (RFC 7489):
// deciding whether a message's RFC5322.From domain is backed by an
// aligned SPF or DKIM pass, and what the domain owner asks receivers
// to do when it is not.
//
// The policy record is fetched from _dmarc.<domain>, falling back to
// the organizational domain per the public suffix list.
package dmarc

import "errors"

var (
	ErrNoRecord          = errors.New("dmarc: no dmarc record")
	ErrMultipleRecords   = errors.New("dmarc: multiple dmarc records")
	ErrRecordSyntax      = errors.New("dmarc: malformed dmarc record")
	ErrDNS               = errors.New("dmarc: dns lookup")
	ErrNoFromHeader      = errors.New("dmarc: no from header")
	ErrInvalidFromHeader = errors.New("dmarc: invalid from header")
)

// Status is the DMARC evaluation result per RFC 8601.
type Status string

const (
	StatusNone      Status = "none"      // No policy published.
	StatusPass      Status = "pass"      // Aligned SPF or DKIM pass.
	StatusFail      Status = "fail"      // Neither method passed with alignment.
	StatusTemperror Status = "temperror" // Transient error, e.g. DNS timeout.
	StatusPermerror Status = "permerror" // Malformed record.
)

// Policy is the action a domain owner requests for failing messages.
type Policy string

const (
	// PolicyEmpty marks an absent sp= tag.
	PolicyEmpty      Policy = ""
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// Align is an identifier alignment mode.
type Align string

const (
	// AlignRelaxed accepts any identifier within the same
	// organizational domain. The default.
	AlignRelaxed Align = "r"

	// AlignStrict requires an exact domain match.
	AlignStrict Align = "s"
)

// Result is the outcome of evaluating DMARC for one message.
type Result struct {
	// Reject indicates the published policy asks for this message to
	// be rejected (or quarantined). False does not mean accept:
	// other checks still apply.
	Reject bool

	Status Status

	// AlignedSPFPass and AlignedDKIMPass report which method produced
	// the aligned pass, for Authentication-Results comments.
	AlignedSPFPass  bool
	AlignedDKIMPass bool

	// Domain is where the record was found, possibly the
	// organizational domain rather than the From domain.
	Domain string

	// Record is nil when no valid policy was found.
	Record *Record

	// RecordAuthentic indicates DNSSEC-signed policy lookups.
	RecordAuthentic bool

	Err error
}
