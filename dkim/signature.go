package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Signature is a parsed DKIM-Signature header (RFC 6376 section 3.5).
type Signature struct {
	Version       int      // v=, always 1.
	Algorithm     string   // a=, e.g. "rsa-sha256".
	Signature     []byte   // b=, decoded.
	BodyHash      []byte   // bh=, decoded.
	Domain        string   // d=, signing domain, lower-cased.
	SignedHeaders []string // h=, signed header field names.
	Selector      string   // s=, lower-cased.

	Canonicalization string   // c=, e.g. "relaxed/simple".
	Identity         string   // i=, agent or user identifier.
	Length           int64    // l=, -1 when absent.
	QueryMethods     []string // q=.
	SignTime         int64    // t=, unix seconds, -1 when absent.
	ExpireTime       int64    // x=, unix seconds, -1 when absent.
}

func newSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// keyAlgorithm returns the key part of a=, e.g. "rsa".
func (s *Signature) keyAlgorithm() string {
	alg, _, _ := strings.Cut(s.Algorithm, "-")
	return alg
}

// hashAlgorithm returns the hash part of a=, e.g. "sha256".
func (s *Signature) hashAlgorithm() string {
	_, hash, _ := strings.Cut(s.Algorithm, "-")
	return hash
}

func (s *Signature) headerCanon() Canonicalization {
	head, _, _ := strings.Cut(s.Canonicalization, "/")
	if head == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(head))
}

func (s *Signature) bodyCanon() Canonicalization {
	_, body, ok := strings.Cut(s.Canonicalization, "/")
	if !ok || body == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(body))
}

// Expired reports whether the signature has an expiration in the past.
func (s *Signature) Expired() bool {
	return s.ExpireTime >= 0 && timeNow().Unix() > s.ExpireTime
}

// Header renders the DKIM-Signature header without trailing CRLF,
// folding long lines. With withB false the b= value is left empty, as
// needed for computing the data hash while signing.
func (s *Signature) Header(withB bool) string {
	w := &headerWriter{}
	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)
	w.addf(" ", "a=%s;", s.Algorithm)
	if c := s.Canonicalization; c != "" && !strings.EqualFold(c, "simple") && !strings.EqualFold(c, "simple/simple") {
		w.addf(" ", "c=%s;", c)
	}
	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}
	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}
	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.add(sep, h)
	}
	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))
	w.add(" ", "b=")
	if withB {
		w.addWrap([]byte(base64.StdEncoding.EncodeToString(s.Signature)))
	}
	return w.String()
}

// headerWriter folds header content at 76 columns, continuing folded
// lines with a tab.
type headerWriter struct {
	b       strings.Builder
	lineLen int
	started bool
}

const foldWidth = 76

func (w *headerWriter) add(sep, text string) {
	if w.started && w.lineLen > 1 && w.lineLen+len(sep)+len(text) > foldWidth {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.started && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.started = true
}

func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap writes data that may break at any byte, like base64.
func (w *headerWriter) addWrap(data []byte) {
	for len(data) > 0 {
		n := foldWidth - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = foldWidth - 1
		}
		n = min(n, len(data))
		w.b.Write(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

func (w *headerWriter) String() string { return w.b.String() }

// ParseSignature parses a raw DKIM-Signature header, folding
// included. It also returns the header with the b= value removed but
// all other bytes intact, which is the form hashed during
// verification.
func ParseSignature(raw string) (*Signature, []byte, error) {
	text := strings.TrimSuffix(raw, "\r\n")
	colon := strings.Index(text, ":")
	if colon < 0 || !strings.EqualFold(strings.TrimRight(text[:colon], " \t"), "dkim-signature") {
		return nil, nil, fmt.Errorf("%w: not a dkim-signature header", ErrSigSyntax)
	}

	sig := newSignature()
	seen := map[string]bool{}

	// Semicolons cannot occur inside tag values, so splitting the raw
	// text keeps original folding within each tag=value spec.
	var verifyInput strings.Builder
	verifyInput.WriteString(text[:colon+1])

	specs := strings.Split(text[colon+1:], ";")
	for i, spec := range specs {
		tracked := spec
		flat := strings.TrimSpace(unfold(spec))
		if flat != "" {
			tag, value, ok := strings.Cut(flat, "=")
			if !ok {
				return nil, nil, fmt.Errorf("%w: tag without value: %q", ErrSigSyntax, flat)
			}
			tag = strings.TrimSpace(tag)
			value = strings.TrimSpace(value)
			if seen[tag] {
				return nil, nil, fmt.Errorf("%w: duplicate tag %q", ErrSigSyntax, tag)
			}
			seen[tag] = true

			if err := sig.setTag(tag, value); err != nil {
				return nil, nil, err
			}
			if tag == "b" {
				eq := strings.Index(spec, "=")
				tracked = spec[:eq+1]
			}
		}
		verifyInput.WriteString(tracked)
		if i < len(specs)-1 {
			verifyInput.WriteString(";")
		}
	}

	for _, tag := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[tag] {
			return nil, nil, fmt.Errorf("%w: %s=", ErrSigMissingTag, tag)
		}
	}

	switch sig.hashAlgorithm() {
	case "sha1":
		if len(sig.BodyHash) != 20 {
			return nil, nil, fmt.Errorf("%w: body hash length %d for sha1", ErrSigSyntax, len(sig.BodyHash))
		}
	case "sha256":
		if len(sig.BodyHash) != 32 {
			return nil, nil, fmt.Errorf("%w: body hash length %d for sha256", ErrSigSyntax, len(sig.BodyHash))
		}
	}

	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return nil, nil, fmt.Errorf("%w: sign time after expiration", ErrSigSyntax)
	}

	if sig.Identity != "" {
		if at := strings.LastIndex(sig.Identity, "@"); at >= 0 {
			idDomain := strings.ToLower(sig.Identity[at+1:])
			if idDomain != sig.Domain && !strings.HasSuffix(idDomain, "."+sig.Domain) {
				return nil, nil, fmt.Errorf("%w: %q not under %q", ErrSigIdentity, idDomain, sig.Domain)
			}
		}
	}

	return sig, []byte(verifyInput.String()), nil
}

func (sig *Signature) setTag(tag, value string) error {
	switch tag {
	case "v":
		if value != "1" {
			return fmt.Errorf("%w: version %q", ErrSigSyntax, value)
		}
	case "a":
		sig.Algorithm = strings.ToLower(value)
	case "b":
		decoded, err := decodeBase64Folded(value)
		if err != nil {
			return fmt.Errorf("%w: b=: %s", ErrSigSyntax, err)
		}
		sig.Signature = decoded
	case "bh":
		decoded, err := decodeBase64Folded(value)
		if err != nil {
			return fmt.Errorf("%w: bh=: %s", ErrSigSyntax, err)
		}
		sig.BodyHash = decoded
	case "c":
		sig.Canonicalization = strings.ToLower(value)
	case "d":
		sig.Domain = strings.ToLower(value)
	case "h":
		for _, h := range strings.Split(value, ":") {
			if h = strings.TrimSpace(h); h != "" {
				sig.SignedHeaders = append(sig.SignedHeaders, h)
			}
		}
	case "i":
		sig.Identity = value
	case "l":
		l, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: l=%q", ErrSigSyntax, value)
		}
		sig.Length = l
	case "q":
		for _, m := range strings.Split(value, ":") {
			if m = strings.TrimSpace(m); m != "" {
				sig.QueryMethods = append(sig.QueryMethods, m)
			}
		}
	case "s":
		sig.Selector = strings.ToLower(value)
	case "t":
		t, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: t=%q", ErrSigSyntax, value)
		}
		sig.SignTime = t
	case "x":
		x, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: x=%q", ErrSigSyntax, value)
		}
		sig.ExpireTime = x
	}
	// Unknown tags are ignored per RFC 6376 section 3.2.
	return nil
}

func decodeBase64Folded(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(cleaned)
}
