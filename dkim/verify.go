package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/sablemail/gatekeeper/dns"
)

// Verifier verifies the DKIM-Signature headers of incoming messages.
type Verifier struct {
	Resolver dns.Resolver

	// IgnoreTestMode treats signatures from t=y domains like any
	// other. With the default false, a failing signature from a
	// testing domain yields StatusNone.
	IgnoreTestMode bool

	// Policy can reject a signature before verification, yielding
	// StatusPolicy. Nil accepts all.
	Policy func(*Signature) error

	// MinRSAKeyBits below which keys are rejected. Defaults to 1024
	// (RFC 8301).
	MinRSAKeyBits int
}

// Verify evaluates every DKIM-Signature header in message, returning
// one Result per signature in header order. A message without
// signatures returns an empty slice.
func (v *Verifier) Verify(ctx context.Context, message []byte) ([]Result, error) {
	return v.VerifyReader(ctx, bytes.NewReader(message))
}

// VerifyReader is Verify for a message available through io.ReaderAt.
func (v *Verifier) VerifyReader(ctx context.Context, message io.ReaderAt) ([]Result, error) {
	headers, bodyOffset, err := parseHeaderBlock(bufio.NewReader(io.NewSectionReader(message, 0, 1<<62)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHeaderMalformed, err)
	}

	var results []Result
	for _, hdr := range headers {
		if hdr.lname != "dkim-signature" {
			continue
		}

		sig, verifyInput, err := ParseSignature(string(hdr.raw))
		if err != nil {
			results = append(results, Result{Status: StatusPermerror, Err: err})
			continue
		}

		hashFunc, err := checkSignature(sig)
		if err != nil {
			results = append(results, Result{Status: StatusPermerror, Signature: sig, Err: err})
			continue
		}

		if v.Policy != nil {
			if err := v.Policy(sig); err != nil {
				results = append(results, Result{
					Status:    StatusPolicy,
					Signature: sig,
					Err:       fmt.Errorf("%w: %s", ErrPolicy, err),
				})
				continue
			}
		}

		results = append(results, v.verifySignature(ctx, sig, hashFunc, headers, verifyInput, message, bodyOffset))
	}
	return results, nil
}

// checkSignature validates the signature parameters that need no DNS.
func checkSignature(sig *Signature) (crypto.Hash, error) {
	signsFrom := false
	for _, h := range sig.SignedHeaders {
		if strings.EqualFold(h, "from") {
			signsFrom = true
			break
		}
	}
	if !signsFrom {
		return 0, ErrSigFromRequired
	}

	if sig.Expired() {
		return 0, fmt.Errorf("%w: at %d", ErrSigExpired, sig.ExpireTime)
	}

	if belowOrgDomain(sig.Domain) {
		return 0, fmt.Errorf("%w: %q", ErrTLD, sig.Domain)
	}

	hashFunc, ok := hashByName(sig.hashAlgorithm())
	if !ok {
		return 0, fmt.Errorf("%w: hash %q", ErrSigAlgorithm, sig.hashAlgorithm())
	}

	for _, canon := range []Canonicalization{sig.headerCanon(), sig.bodyCanon()} {
		if canon != CanonSimple && canon != CanonRelaxed {
			return 0, fmt.Errorf("%w: %q", ErrSigCanonical, canon)
		}
	}

	if len(sig.QueryMethods) > 0 {
		supported := false
		for _, m := range sig.QueryMethods {
			if strings.EqualFold(m, "dns/txt") {
				supported = true
				break
			}
		}
		if !supported {
			return 0, ErrSigQueryMethod
		}
	}

	// Partial body signing invites appended content.
	if sig.Length >= 0 {
		return 0, ErrBodyLengthLimited
	}

	return hashFunc, nil
}

func (v *Verifier) verifySignature(ctx context.Context, sig *Signature, hashFunc crypto.Hash, headers []header, verifyInput []byte, message io.ReaderAt, bodyOffset int) Result {
	record, authentic, err := v.lookup(ctx, sig.Selector, sig.Domain)
	if err != nil {
		status := StatusPermerror
		if temporaryError(err) {
			status = StatusTemperror
		}
		return Result{Status: status, Signature: sig, RecordAuthentic: authentic, Err: err}
	}

	status, err := v.verifyWithRecord(record, sig, hashFunc, headers, verifyInput, message, bodyOffset)
	if status == StatusFail && record.Testing() && !v.IgnoreTestMode {
		return Result{Status: StatusNone, Signature: sig, Record: record, RecordAuthentic: authentic}
	}
	return Result{Status: status, Signature: sig, Record: record, RecordAuthentic: authentic, Err: err}
}

func (v *Verifier) verifyWithRecord(record *Record, sig *Signature, hashFunc crypto.Hash, headers []header, verifyInput []byte, message io.ReaderAt, bodyOffset int) (Status, error) {
	if record.PublicKey == nil {
		return StatusPermerror, ErrKeyRevoked
	}
	if !record.HashAllowed(sig.hashAlgorithm()) {
		return StatusPermerror, fmt.Errorf("%w: record allows %v", ErrKeyMismatch, record.Hashes)
	}
	if !strings.EqualFold(record.Key, sig.keyAlgorithm()) {
		return StatusPermerror, fmt.Errorf("%w: record key %q, signature %q", ErrKeyMismatch, record.Key, sig.keyAlgorithm())
	}

	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok {
		minBits := v.MinRSAKeyBits
		if minBits == 0 {
			minBits = 1024
		}
		if rsaKey.N.BitLen() < minBits {
			return StatusPermerror, fmt.Errorf("%w: %d bits", ErrWeakKey, rsaKey.N.BitLen())
		}
	}

	if !record.ServiceAllowed("email") {
		return StatusPermerror, ErrKeyNotForEmail
	}

	if record.StrictIdentity() && sig.Identity != "" {
		if at := strings.LastIndex(sig.Identity, "@"); at >= 0 {
			if !strings.EqualFold(sig.Identity[at+1:], sig.Domain) {
				return StatusPermerror, fmt.Errorf("%w: t=s requires exact match", ErrSigIdentity)
			}
		}
	}

	dataHash, err := hashData(hashFunc.New(), sig.headerCanon(), headers, sig.SignedHeaders, verifyInput)
	if err != nil {
		return StatusPermerror, fmt.Errorf("hashing headers: %w", err)
	}
	if err := verifyWithKey(record.PublicKey, hashFunc, dataHash, sig.Signature); err != nil {
		return StatusFail, err
	}

	body := io.NewSectionReader(message, int64(bodyOffset), 1<<62)
	bodyHash, err := hashBody(hashFunc.New(), sig.bodyCanon(), body)
	if err != nil {
		return StatusTemperror, fmt.Errorf("hashing body: %w", err)
	}
	if !bytes.Equal(sig.BodyHash, bodyHash) {
		return StatusFail, ErrBodyHashMismatch
	}

	return StatusPass, nil
}

// lookup fetches and parses the key record for selector._domainkey.domain.
func (v *Verifier) lookup(ctx context.Context, selector, domain string) (*Record, bool, error) {
	name := selector + "._domainkey." + domain

	result, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, fmt.Errorf("%w: %s: %s", ErrDNS, name, err)
	}

	var record *Record
	for _, txt := range result.Records {
		r, isDKIM, err := ParseRecord(txt)
		if err != nil && isDKIM {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrRecordSyntax, err)
		}
		if err != nil {
			continue
		}
		if record != nil {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}
		record = r
	}
	if record == nil {
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	return record, result.Authentic, nil
}

// temporaryError reports whether a verification error is worth
// retrying later.
func temporaryError(err error) bool {
	if err == nil {
		return false
	}
	if dns.IsTemporary(err) {
		return true
	}
	// A record conflict may be a propagating DNS change.
	if errors.Is(err, ErrMultipleRecords) {
		return true
	}
	if errors.Is(err, ErrDNS) {
		return true
	}
	return false
}

// Verify evaluates the DKIM-Signature headers of message with default
// verifier settings.
func Verify(ctx context.Context, resolver dns.Resolver, message []byte) ([]Result, error) {
	v := &Verifier{Resolver: resolver}
	return v.Verify(ctx, message)
}

// belowOrgDomain reports whether domain is a public suffix or
// shorter, which no legitimate signer uses as d=.
func belowOrgDomain(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return true
	}
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return true
	}
	return !strings.EqualFold(domain, org) && !strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(org))
}
