// Package dkim implements DomainKeys Identified Mail (RFC 6376):
// signing messages with a DKIM-Signature header and verifying such
// signatures against the public key published in DNS at
// <selector>._domainkey.<domain>.
//
// RSA-SHA256 and Ed25519-SHA256 (RFC 8463) signatures are supported,
// plus RSA-SHA1 verification for old signers.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"time"
)

// Status is a DKIM verification result per RFC 8601.
type Status string

const (
	StatusNone      Status = "none"      // Message was not signed.
	StatusPass      Status = "pass"      // Signature verified.
	StatusFail      Status = "fail"      // Signature did not verify.
	StatusPolicy    Status = "policy"    // Signature rejected by local policy.
	StatusNeutral   Status = "neutral"   // Signature could not be processed.
	StatusTemperror Status = "temperror" // Transient error, e.g. DNS timeout.
	StatusPermerror Status = "permerror" // Unrecoverable error, e.g. bad syntax.
)

// Canonicalization is a header or body canonicalization algorithm.
type Canonicalization string

const (
	CanonSimple  Canonicalization = "simple"
	CanonRelaxed Canonicalization = "relaxed"
)

var (
	ErrNoRecord          = errors.New("dkim: no dkim record")
	ErrMultipleRecords   = errors.New("dkim: multiple dkim records")
	ErrDNS               = errors.New("dkim: dns lookup")
	ErrRecordSyntax      = errors.New("dkim: malformed dkim record")
	ErrSigSyntax         = errors.New("dkim: malformed dkim-signature header")
	ErrSigMissingTag     = errors.New("dkim: missing required signature tag")
	ErrSigExpired        = errors.New("dkim: signature expired")
	ErrSigAlgorithm      = errors.New("dkim: unsupported algorithm")
	ErrSigCanonical      = errors.New("dkim: unknown canonicalization")
	ErrSigIdentity       = errors.New("dkim: identity does not match signing domain")
	ErrSigFromRequired   = errors.New("dkim: from header must be signed")
	ErrSigQueryMethod    = errors.New("dkim: no supported query method")
	ErrBodyHashMismatch  = errors.New("dkim: body hash mismatch")
	ErrSigVerify         = errors.New("dkim: signature verification failed")
	ErrKeyRevoked        = errors.New("dkim: key revoked")
	ErrKeyMismatch       = errors.New("dkim: key does not match signature algorithm")
	ErrKeyNotForEmail    = errors.New("dkim: key not valid for email")
	ErrWeakKey           = errors.New("dkim: key too weak")
	ErrPolicy            = errors.New("dkim: rejected by policy")
	ErrHeaderMalformed   = errors.New("dkim: malformed message header")
	ErrTLD               = errors.New("dkim: signing domain is a public suffix")
	ErrBodyLengthLimited = errors.New("dkim: body length limit not supported")
)

// Result is the outcome of verifying one DKIM-Signature header.
type Result struct {
	Status Status

	// Signature is the parsed header, nil when it could not be parsed.
	Signature *Signature

	// Record is the key record from DNS, nil when lookup failed.
	Record *Record

	// RecordAuthentic indicates the key record was DNSSEC-signed.
	RecordAuthentic bool

	Err error
}

// DefaultSignedHeaders are the headers signed when a Signer does not
// specify its own list.
var DefaultSignedHeaders = []string{
	"From", "To", "Cc", "Reply-To", "Subject", "Date",
	"Message-ID", "In-Reply-To", "References",
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
}

// Mocked for tests.
var (
	timeNow    = time.Now
	cryptoRand = rand.Reader
)

func signWithKey(key crypto.Signer, hash crypto.Hash, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, digest, hash)
	case ed25519.PrivateKey:
		// Ed25519 signs the unhashed input (PureEdDSA).
		return k.Sign(cryptoRand, digest, crypto.Hash(0))
	default:
		return nil, ErrSigAlgorithm
	}
}

func verifyWithKey(key any, hash crypto.Hash, digest, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, hash, digest, signature); err != nil {
			return ErrSigVerify
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, signature) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithm
	}
}

func hashByName(name string) (crypto.Hash, bool) {
	switch strings.ToLower(name) {
	case "sha256":
		return crypto.SHA256, true
	case "sha1":
		return crypto.SHA1, true
	}
	return 0, false
}
