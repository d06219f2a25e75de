package dmarc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type parseError string

func (e parseError) Error() string { return string(e) }

// ParseRecord parses a DMARC TXT record. isDMARC reports whether the
// value identifies itself as "v=DMARC1", so unrelated TXT records at
// _dmarc names can be skipped. Case-insensitive values come back
// lower-cased.
func ParseRecord(s string) (record *Record, isDMARC bool, err error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if perr, ok := x.(parseError); ok {
			record = nil
			err = fmt.Errorf("%w: %s", ErrRecordSyntax, perr)
			return
		}
		panic(x)
	}()

	r := DefaultRecord
	p := &parser{s: s, lower: lowerASCII(s)}

	// v=DMARC1 must come first, with exact case.
	p.need("v")
	p.wsp()
	p.need("=")
	p.wsp()
	if !strings.HasPrefix(p.s[p.o:], "DMARC1") {
		return nil, false, nil
	}
	p.o += len("DMARC1")
	p.wsp()
	p.need(";")
	isDMARC = true

	seen := map[string]bool{}
	for {
		p.wsp()
		if p.done() {
			break
		}

		tag := strings.ToLower(p.word())
		if seen[tag] {
			p.errorf("duplicate tag %q", tag)
		}
		seen[tag] = true

		p.wsp()
		p.need("=")
		p.wsp()

		switch tag {
		case "p":
			if len(seen) != 1 {
				// RFC 7489 section 6.3 requires p= directly after v=.
				p.errorf("p= must be the first tag")
			}
			r.Policy = Policy(p.oneOf("none", "quarantine", "reject"))

		case "sp":
			r.SubdomainPolicy = Policy(p.keyword())

		case "rua":
			r.AggregateReportAddresses = p.uris()

		case "ruf":
			r.FailureReportAddresses = p.uris()

		case "adkim":
			r.ADKIM = Align(p.oneOf("r", "s"))

		case "aspf":
			r.ASPF = Align(p.oneOf("r", "s"))

		case "ri":
			r.AggregateReportingInterval = p.number()

		case "fo":
			r.FailureReportingOptions = []string{p.oneOf("0", "1", "d", "s")}
			p.wsp()
			for p.take(":") {
				p.wsp()
				r.FailureReportingOptions = append(r.FailureReportingOptions, p.oneOf("0", "1", "d", "s"))
				p.wsp()
			}

		case "rf":
			r.ReportingFormat = []string{p.keyword()}
			p.wsp()
			for p.take(":") {
				p.wsp()
				r.ReportingFormat = append(r.ReportingFormat, p.keyword())
				p.wsp()
			}

		case "pct":
			r.Percentage = p.number()
			if r.Percentage > 100 {
				p.errorf("percentage %d out of range", r.Percentage)
			}

		default:
			// Unknown tags are skipped through the next semicolon.
			for !p.done() && p.s[p.o] != ';' {
				p.o++
			}
		}

		p.wsp()
		if !p.take(";") && !p.done() {
			p.errorf("expected ';'")
		}
	}

	sp := r.SubdomainPolicy
	if !seen["p"] || sp != PolicyEmpty && sp != PolicyNone && sp != PolicyQuarantine && sp != PolicyReject {
		// RFC 7489 section 6.6.3: an unusable policy with a rua=
		// address is treated as p=none for monitoring.
		if len(r.AggregateReportAddresses) > 0 {
			r.Policy = PolicyNone
			r.SubdomainPolicy = PolicyEmpty
		} else {
			p.errorf("missing or invalid policy")
		}
	}

	return &r, true, nil
}

type parser struct {
	s     string
	lower string
	o     int
}

func (p *parser) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.o < len(p.s) {
		msg += fmt.Sprintf(" (remaining %q)", p.s[p.o:])
	}
	panic(parseError(msg))
}

func (p *parser) done() bool { return p.o >= len(p.s) }

func (p *parser) wsp() {
	for !p.done() && (p.s[p.o] == ' ' || p.s[p.o] == '\t') {
		p.o++
	}
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.lower[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) need(s string) {
	if !p.take(s) {
		p.errorf("expected %q", s)
	}
}

func (p *parser) oneOf(l ...string) string {
	for _, s := range l {
		if p.take(s) {
			return s
		}
	}
	p.errorf("expected one of %v", l)
	panic("unreachable")
}

// takeFn consumes one or more bytes of the lower-cased input matched
// by fn.
func (p *parser) takeFn(fn func(byte, int) bool) string {
	i := 0
	for p.o+i < len(p.s) && fn(p.lower[p.o+i], i) {
		i++
	}
	if i == 0 {
		p.errorf("expected at least one character")
	}
	r := p.lower[p.o : p.o+i]
	p.o += i
	return r
}

func (p *parser) word() string {
	return p.takeFn(func(c byte, _ int) bool { return isAlphaDigit(c) })
}

func (p *parser) number() int {
	digits := p.takeFn(func(c byte, _ int) bool { return c >= '0' && c <= '9' })
	v, err := strconv.Atoi(digits)
	if err != nil {
		p.errorf("parsing number %q: %s", digits, err)
	}
	return v
}

// keyword is an SMTP-style keyword: alphanumerics with interior
// dashes.
func (p *parser) keyword() string {
	end := len(p.s) - p.o
	return p.takeFn(func(c byte, i int) bool {
		return isAlphaDigit(c) || c == '-' && i < end-1 && isAlphaDigit(p.lower[p.o+i+1])
	})
}

func (p *parser) uris() []URI {
	l := []URI{p.uri()}
	p.wsp()
	for p.take(",") {
		p.wsp()
		l = append(l, p.uri())
		p.wsp()
	}
	return l
}

// uri parses one rua/ruf destination with its optional !size suffix.
func (p *parser) uri() URI {
	start := p.o
	p.takeFn(func(c byte, _ int) bool {
		return c != ',' && c != ' ' && c != '\t' && c != ';'
	})
	v := p.s[start:p.o]

	addr, size, hasSize := strings.Cut(v, "!")
	u, err := url.Parse(addr)
	if err != nil {
		p.errorf("parsing uri %q: %s", addr, err)
	}
	if u.Scheme == "" {
		p.errorf("uri %q without scheme", addr)
	}

	uri := URI{Address: addr}
	if hasSize {
		if size != "" {
			switch size[len(size)-1] {
			case 'k', 'K', 'm', 'M', 'g', 'G', 't', 'T':
				uri.Unit = strings.ToLower(size[len(size)-1:])
				size = size[:len(size)-1]
			}
		}
		uri.MaxSize, err = strconv.ParseUint(size, 10, 64)
		if err != nil {
			p.errorf("parsing report size limit: %s", err)
		}
	}
	return uri
}

func isAlphaDigit(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 0x20
		}
	}
	return string(b)
}
