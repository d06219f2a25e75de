package dkim

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"
)

// Signer produces DKIM-Signature headers for outgoing messages.
type Signer struct {
	// Domain is the signing domain, the d= tag.
	Domain string

	// Selector locates the key record in DNS, the s= tag.
	Selector string

	// PrivateKey is *rsa.PrivateKey or ed25519.PrivateKey.
	PrivateKey crypto.Signer

	// Headers to sign. DefaultSignedHeaders when empty; From is
	// always included.
	Headers []string

	// HeaderCanonicalization and BodyCanonicalization default to
	// relaxed.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// Identity is the optional i= tag.
	Identity string

	// Expiration sets x= relative to the signing time. Zero means no
	// expiration.
	Expiration time.Duration

	// SealHeaders signs each header name one extra time beyond its
	// occurrences, so a header added after signing breaks the
	// signature.
	SealHeaders bool
}

// bodyHashKey caches body hashes across signers sharing the same body
// canonicalization and hash algorithm.
type bodyHashKey struct {
	canon Canonicalization
	hash  string
}

// Sign signs a complete RFC 5322 message and returns the
// DKIM-Signature header including trailing CRLF, ready to be
// prepended to the message.
func (s *Signer) Sign(message []byte) (string, error) {
	headers, bodyOffset, err := splitMessage(message)
	if err != nil {
		return "", err
	}
	return s.sign(headers, message[bodyOffset:], map[bodyHashKey][]byte{})
}

// SignMultiple signs a message once per signer, reusing body hashes
// between signers where canonicalization and hash agree. The returned
// headers are concatenated.
func SignMultiple(message []byte, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}
	headers, bodyOffset, err := splitMessage(message)
	if err != nil {
		return "", err
	}
	body := message[bodyOffset:]
	bodyHashes := map[bodyHashKey][]byte{}

	var result strings.Builder
	for i := range signers {
		hdr, err := signers[i].sign(headers, body, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("signer %d: %w", i, err)
		}
		result.WriteString(hdr)
	}
	return result.String(), nil
}

func splitMessage(message []byte) ([]header, int, error) {
	headers, bodyOffset, err := parseHeaderBlock(bufio.NewReader(bytes.NewReader(message)))
	if err != nil {
		return nil, 0, fmt.Errorf("parsing message: %w", err)
	}
	from := 0
	for _, h := range headers {
		if h.lname == "from" {
			from++
		}
	}
	if from != 1 {
		return nil, 0, fmt.Errorf("%w: message has %d from headers", ErrSigFromRequired, from)
	}
	return headers, bodyOffset, nil
}

func (s *Signer) sign(headers []header, body []byte, bodyHashes map[bodyHashKey][]byte) (string, error) {
	sig := newSignature()
	sig.Domain = s.Domain
	sig.Selector = s.Selector
	sig.Identity = s.Identity

	hashName := "sha256"
	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		sig.Algorithm = "rsa-" + hashName
	case ed25519.PrivateKey:
		sig.Algorithm = "ed25519-" + hashName
	default:
		return "", fmt.Errorf("%w: %T", ErrSigAlgorithm, s.PrivateKey)
	}
	hashFunc, _ := hashByName(hashName)

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)

	sig.SignedHeaders = s.signedHeaderList(headers)

	sig.SignTime = timeNow().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	hk := bodyHashKey{bodyCanon, hashName}
	bodyHash, ok := bodyHashes[hk]
	if !ok {
		var err error
		bodyHash, err = hashBody(hashFunc.New(), bodyCanon, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("hashing body: %w", err)
		}
		bodyHashes[hk] = bodyHash
	}
	sig.BodyHash = bodyHash

	dataHash, err := hashData(hashFunc.New(), headerCanon, headers, sig.SignedHeaders, []byte(sig.Header(false)))
	if err != nil {
		return "", fmt.Errorf("hashing headers: %w", err)
	}

	sig.Signature, err = signWithKey(s.PrivateKey, hashFunc, dataHash)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	return sig.Header(true) + "\r\n", nil
}

// signedHeaderList resolves the h= list: the configured headers that
// are present in the message, From guaranteed, each name optionally
// sealed with one extra occurrence.
func (s *Signer) signedHeaderList(headers []header) []string {
	want := s.Headers
	if len(want) == 0 {
		want = DefaultSignedHeaders
	}
	hasFrom := false
	for _, h := range want {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		want = append([]string{"From"}, want...)
	}

	present := map[string]int{}
	for _, h := range headers {
		present[h.lname]++
	}

	var list []string
	for _, h := range want {
		if present[strings.ToLower(h)] > 0 {
			list = append(list, h)
		}
	}

	if s.SealHeaders {
		counts := map[string]int{}
		for _, h := range list {
			counts[strings.ToLower(h)]++
		}
		for _, h := range list {
			lh := strings.ToLower(h)
			for counts[lh] < present[lh]+1 {
				list = append(list, h)
				counts[lh]++
			}
		}
	}
	return list
}
