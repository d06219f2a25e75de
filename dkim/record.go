package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Record is the key record published in DNS at
// <selector>._domainkey.<domain> (RFC 6376 section 3.6.1).
type Record struct {
	Version  string   // v=, "DKIM1".
	Hashes   []string // h=, acceptable hash algorithms, empty allows all.
	Key      string   // k=, "rsa" or "ed25519".
	Notes    string   // n=.
	Pubkey   []byte   // p=, decoded. Empty means the key is revoked.
	Services []string // s=, empty or "*" allows all.
	Flags    []string // t=, "y" testing, "s" strict identity alignment.

	// PublicKey is *rsa.PublicKey or ed25519.PublicKey, parsed from
	// Pubkey. Nil for revoked keys.
	PublicKey any
}

// ServiceAllowed reports whether service, e.g. "email", may use this
// key.
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == "*" || strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}

// Testing reports the t=y flag: the domain is still testing DKIM and
// failures should not be treated as significant.
func (r *Record) Testing() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "y") {
			return true
		}
	}
	return false
}

// StrictIdentity reports the t=s flag: the i= domain must equal the
// d= domain exactly.
func (r *Record) StrictIdentity() bool {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "s") {
			return true
		}
	}
	return false
}

// HashAllowed reports whether the record permits the given hash
// algorithm.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	for _, h := range r.Hashes {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}

// TXT renders the record as a DNS TXT value, for publishing keys.
func (r *Record) TXT() (string, error) {
	parts := []string{"v=DKIM1"}
	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}
	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}
	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}
	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		switch k := r.PublicKey.(type) {
		case *rsa.PublicKey:
			pk, err = x509.MarshalPKIXPublicKey(k)
			if err != nil {
				return "", err
			}
		case ed25519.PublicKey:
			pk = []byte(k)
		default:
			return "", fmt.Errorf("unsupported public key type %T", r.PublicKey)
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))
	return strings.Join(parts, "; "), nil
}

// ParseRecord parses a DKIM key record from a TXT value. isDKIM
// reports whether the value looks like a DKIM record at all, so
// unrelated TXT records at the same name can be skipped.
func ParseRecord(txt string) (record *Record, isDKIM bool, err error) {
	r := &Record{Version: "DKIM1", Key: "rsa", Services: []string{"*"}}
	seen := map[string]bool{}

	for _, part := range strings.Split(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tag = strings.TrimSpace(tag)
		value = strings.TrimSpace(value)
		if seen[tag] {
			if isDKIM {
				return nil, true, fmt.Errorf("%w: duplicate tag %q", ErrRecordSyntax, tag)
			}
			continue
		}
		seen[tag] = true

		switch tag {
		case "v":
			if value != "DKIM1" {
				return nil, false, fmt.Errorf("%w: version %q", ErrRecordSyntax, value)
			}
		case "h":
			for _, h := range strings.Split(value, ":") {
				if h = strings.TrimSpace(h); h != "" {
					r.Hashes = append(r.Hashes, h)
				}
			}
		case "k":
			r.Key = strings.ToLower(value)
		case "n":
			r.Notes = value
		case "p":
			decoded, err := decodeBase64Folded(value)
			if err != nil {
				return nil, isDKIM, fmt.Errorf("%w: p=: %s", ErrRecordSyntax, err)
			}
			r.Pubkey = decoded
		case "s":
			r.Services = nil
			for _, s := range strings.Split(value, ":") {
				if s = strings.TrimSpace(s); s != "" {
					r.Services = append(r.Services, s)
				}
			}
		case "t":
			for _, f := range strings.Split(value, ":") {
				if f = strings.TrimSpace(f); f != "" {
					r.Flags = append(r.Flags, f)
				}
			}
		default:
			continue
		}
		isDKIM = true
	}

	if !isDKIM {
		return nil, false, fmt.Errorf("not a dkim record")
	}
	if !seen["p"] {
		return nil, true, fmt.Errorf("%w: missing p=", ErrRecordSyntax)
	}

	if len(r.Pubkey) > 0 {
		pk, err := parsePublicKey(r.Key, r.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %s", ErrRecordSyntax, err)
		}
		r.PublicKey = pk
	}
	return r, true, nil
}

func parsePublicKey(keyType string, data []byte) (any, error) {
	switch strings.ToLower(keyType) {
	case "", "rsa":
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing rsa public key: %w", err)
		}
		rsaPK, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("got %T, expected rsa public key", pk)
		}
		return rsaPK, nil
	case "ed25519":
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 public key has %d bytes", len(data))
		}
		return ed25519.PublicKey(data), nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}
