package dkim

import (
	"bufio"
	"bytes"
	"hash"
	"io"
	"strings"
)

var crlf = []byte("\r\n")

// header is one message header field with its raw bytes preserved for
// simple canonicalization.
type header struct {
	name  string
	lname string
	raw   []byte // Name, colon and value, including folding and final CRLF.
}

// parseHeaderBlock reads the header section of a message, returning
// the fields and the offset of the first body byte.
func parseHeaderBlock(br *bufio.Reader) ([]header, int, error) {
	var headers []header
	var cur *header
	offset := 0

	flush := func() {
		if cur != nil {
			headers = append(headers, *cur)
			cur = nil
		}
	}

	for {
		line, err := readCRLFLine(br)
		if err != nil {
			return nil, 0, err
		}
		offset += len(line)

		if bytes.Equal(line, crlf) {
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			if cur == nil {
				return nil, 0, ErrHeaderMalformed
			}
			cur.raw = append(cur.raw, line...)
			continue
		}

		flush()
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, 0, ErrHeaderMalformed
		}
		name := strings.TrimRight(string(line[:colon]), " \t")
		for _, c := range name {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, ErrHeaderMalformed
			}
		}
		cur = &header{
			name:  name,
			lname: strings.ToLower(name),
			raw:   bytes.Clone(line),
		}
	}

	flush()
	return headers, offset, nil
}

// readCRLFLine reads through the next CRLF, tolerating bare LF inside
// the accumulated data.
func readCRLFLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if bytes.HasSuffix(buf, crlf) {
			return buf, nil
		}
	}
}

// unfold removes line folding from a header value.
func unfold(s string) string {
	r := strings.NewReplacer("\r\n\t", " ", "\r\n ", " ", "\n\t", " ", "\n ", " ")
	return r.Replace(s)
}

// relaxedHeader canonicalizes one header field per RFC 6376 section
// 3.4.2: lower-case the name, unfold, compress whitespace runs to a
// single space and trim the value.
func relaxedHeader(raw string) (string, error) {
	colon := strings.Index(raw, ":")
	if colon < 0 {
		return "", ErrHeaderMalformed
	}
	name := strings.ToLower(strings.TrimRight(raw[:colon], " \t"))
	value := unfold(strings.TrimSuffix(raw[colon+1:], "\r\n"))

	var b strings.Builder
	space := false
	for _, c := range value {
		if c == ' ' || c == '\t' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(c)
	}
	return name + ":" + b.String(), nil
}

// hashBody canonicalizes the message body into h per RFC 6376 section
// 3.4.3/3.4.4. Trailing empty lines are dropped; the body ends with
// exactly one CRLF, except that a relaxed empty body hashes to
// nothing.
func hashBody(h hash.Hash, canon Canonicalization, body io.Reader) ([]byte, error) {
	br := bufio.NewReader(body)
	relaxed := canon == CanonRelaxed
	pending := 0 // Withheld CRLFs that may turn out to be trailing.
	wrote := false

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return nil, err
		}

		hadCRLF := bytes.HasSuffix(line, crlf)
		if hadCRLF {
			line = line[:len(line)-2]
		}
		if relaxed {
			line = compressWSP(bytes.TrimRight(line, " \t"))
		}

		if len(line) == 0 {
			if hadCRLF {
				pending++
			}
			continue
		}
		for ; pending > 0; pending-- {
			h.Write(crlf)
		}
		h.Write(line)
		wrote = true
		if hadCRLF {
			pending = 1
		}
	}

	if !relaxed || wrote {
		h.Write(crlf)
	}
	return h.Sum(nil), nil
}

func compressWSP(line []byte) []byte {
	out := make([]byte, 0, len(line))
	space := false
	for _, c := range line {
		if c == ' ' || c == '\t' {
			space = true
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = append(out, c)
	}
	return out
}

// hashData canonicalizes the signed header fields and the (b=-less)
// DKIM-Signature header itself into h. When a header name appears
// multiple times in signedHeaders, instances are consumed from the
// bottom of the message up.
func hashData(h hash.Hash, canon Canonicalization, headers []header, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	remaining := make(map[string][]header)
	for i := len(headers) - 1; i >= 0; i-- {
		remaining[headers[i].lname] = append(remaining[headers[i].lname], headers[i])
	}

	for _, name := range signedHeaders {
		lname := strings.ToLower(name)
		instances := remaining[lname]
		if len(instances) == 0 {
			// Signing a missing header binds its absence.
			continue
		}
		hdr := instances[0]
		remaining[lname] = instances[1:]

		if canon == CanonSimple {
			h.Write(bytes.TrimSuffix(hdr.raw, crlf))
		} else {
			canonical, err := relaxedHeader(string(hdr.raw))
			if err != nil {
				return nil, err
			}
			h.Write([]byte(canonical))
		}
		h.Write(crlf)
	}

	if canon == CanonSimple {
		h.Write(sigHeader)
	} else {
		canonical, err := relaxedHeader(string(sigHeader))
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonical))
	}
	return h.Sum(nil), nil
}
