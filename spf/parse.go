package spf

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrRecordSyntax     = errors.New("spf: malformed SPF record")
	ErrInvalidMechanism = errors.New("spf: invalid mechanism")
)

// Record is a parsed SPF policy, e.g. for a TXT record
//
//	v=spf1 +mx a:relay.example.com/28 -all
type Record struct {
	// Directives are evaluated in order until one matches.
	Directives []Directive

	// Redirect is the "redirect=" modifier: another domain to
	// evaluate when no directive matches.
	Redirect string

	// Explanation is the "exp=" modifier: a domain whose TXT record
	// explains a fail result.
	Explanation string

	// Other holds unknown modifiers, preserved for diagnostics.
	Other []Modifier
}

// Modifier is an unknown name=value modifier.
type Modifier struct {
	Key   string
	Value string
}

// Directive is one mechanism with its qualifier and parameters.
type Directive struct {
	// Qualifier is the result on match: "" or "+" pass, "-" fail,
	// "?" neutral, "~" softfail.
	Qualifier string

	// Mechanism is all, include, a, mx, ptr, ip4, ip6 or exists.
	Mechanism string

	// DomainSpec is the target for include, a, mx, ptr and exists,
	// possibly containing macros. Lower-cased by the parser.
	DomainSpec string

	// IP is set for ip4 and ip6.
	IP net.IP

	// CIDR4 and CIDR6 are prefix lengths, -1 when not given.
	CIDR4 int
	CIDR6 int
}

// String renders the directive as it appears in a record.
func (d Directive) String() string {
	var b strings.Builder
	b.WriteString(d.Qualifier)
	b.WriteString(d.Mechanism)
	if d.DomainSpec != "" {
		b.WriteByte(':')
		b.WriteString(d.DomainSpec)
	} else if d.IP != nil {
		b.WriteByte(':')
		b.WriteString(d.IP.String())
	}
	switch d.Mechanism {
	case "ip6":
		if d.CIDR6 >= 0 && d.CIDR6 < 128 {
			fmt.Fprintf(&b, "/%d", d.CIDR6)
		}
	default:
		if d.CIDR4 >= 0 && (d.Mechanism != "ip4" || d.CIDR4 < 32) {
			fmt.Fprintf(&b, "/%d", d.CIDR4)
		}
		if d.CIDR6 >= 0 {
			fmt.Fprintf(&b, "//%d", d.CIDR6)
		}
	}
	return b.String()
}

// String renders the record as a TXT value.
func (r Record) String() string {
	var b strings.Builder
	b.WriteString("v=spf1")
	for _, d := range r.Directives {
		b.WriteByte(' ')
		b.WriteString(d.String())
	}
	if r.Redirect != "" {
		b.WriteString(" redirect=")
		b.WriteString(r.Redirect)
	}
	if r.Explanation != "" {
		b.WriteString(" exp=")
		b.WriteString(r.Explanation)
	}
	for _, m := range r.Other {
		b.WriteByte(' ')
		b.WriteString(m.Key)
		b.WriteByte('=')
		b.WriteString(m.Value)
	}
	return b.String()
}

// parseError aborts parsing through panic and is recovered in
// ParseRecord.
type parseError string

func (e parseError) Error() string { return string(e) }

type parser struct {
	s     string
	lower string
	o     int
}

// ParseRecord parses an SPF TXT record. isSPF reports whether the
// value identifies itself as "v=spf1" at all: a non-SPF TXT value
// returns (nil, false, nil) so callers can skip unrelated records.
func ParseRecord(s string) (r *Record, isSPF bool, err error) {
	p := parser{s: s, lower: lowerASCII(s)}
	r = &Record{}

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if perr, ok := x.(parseError); ok {
			r = nil
			err = fmt.Errorf("%w: %s", ErrRecordSyntax, perr)
			return
		}
		panic(x)
	}()

	if !p.prefix("v=spf1") {
		return nil, false, nil
	}

	for !p.done() {
		if !p.prefix(" ") {
			p.errorf("expected space between terms")
		}
		isSPF = true
		for p.prefix(" ") {
		}
		if p.done() {
			break
		}

		qualifier := p.oneOf("+", "-", "?", "~")
		mechanism := p.oneOf("all", "include:", "a", "mx", "ptr", "ip4:", "ip6:", "exists:")
		if qualifier != "" && mechanism == "" {
			p.errorf("expected mechanism after qualifier")
		}

		if mechanism == "" {
			p.parseModifier(r)
			continue
		}

		d := Directive{
			Qualifier: qualifier,
			Mechanism: strings.TrimSuffix(mechanism, ":"),
			CIDR4:     -1,
			CIDR6:     -1,
		}

		switch d.Mechanism {
		case "all":
			// No parameters.

		case "include", "exists":
			d.DomainSpec = p.domainSpec(false)

		case "a", "mx":
			if p.prefix(":") {
				d.DomainSpec = p.domainSpec(false)
			}
			if p.prefix("/") {
				if !p.prefix("/") {
					d.CIDR4 = p.cidr(32)
					if !p.prefix("//") {
						break
					}
				}
				d.CIDR6 = p.cidr(128)
			}

		case "ptr":
			if p.prefix(":") {
				d.DomainSpec = p.domainSpec(false)
			}

		case "ip4":
			d.IP = p.ip4()
			d.CIDR4 = 32
			if p.prefix("/") {
				d.CIDR4 = p.cidr(32)
			}

		case "ip6":
			d.IP = p.ip6()
			d.CIDR6 = 128
			if p.prefix("/") {
				d.CIDR6 = p.cidr(128)
			}

		default:
			return nil, true, fmt.Errorf("%w: %q", ErrInvalidMechanism, d.Mechanism)
		}

		r.Directives = append(r.Directives, d)
	}

	return r, true, nil
}

func (p *parser) parseModifier(r *Record) {
	switch known := p.oneOf("redirect=", "exp="); known {
	case "redirect=":
		if r.Redirect != "" {
			p.errorf("duplicate redirect modifier")
		}
		r.Redirect = p.domainSpec(true)
	case "exp=":
		if r.Explanation != "" {
			p.errorf("duplicate exp modifier")
		}
		r.Explanation = p.domainSpec(true)
	default:
		name := p.takeFn(func(c rune, i int) bool {
			alpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
			return alpha || i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.')
		})
		if !p.prefix("=") {
			p.errorf("expected '=' after modifier name %q", name)
		}
		r.Other = append(r.Other, Modifier{name, p.macroString(true)})
	}
}

func (p *parser) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !p.done() {
		msg += fmt.Sprintf(" (remaining %q)", p.s[p.o:])
	}
	panic(parseError(msg))
}

func (p *parser) done() bool { return p.o >= len(p.s) }

// prefix consumes s case-insensitively if present.
func (p *parser) prefix(s string) bool {
	if strings.HasPrefix(p.lower[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) need(s string) string {
	if !p.prefix(s) {
		p.errorf("expected %q", s)
	}
	return s
}

// oneOf consumes the first matching alternative, or nothing.
func (p *parser) oneOf(l ...string) string {
	for _, w := range l {
		if p.prefix(w) {
			return w
		}
	}
	return ""
}

// takeFn consumes one or more characters matched by fn.
func (p *parser) takeFn(fn func(rune, int) bool) string {
	r := ""
	for i, c := range p.s[p.o:] {
		if !fn(c, i) {
			break
		}
		r += string(c)
	}
	if r == "" {
		p.errorf("need at least one character")
	}
	p.o += len(r)
	return r
}

func (p *parser) digits() string {
	r := ""
	for !p.done() && p.s[p.o] >= '0' && p.s[p.o] <= '9' {
		r += string(p.s[p.o])
		p.o++
	}
	return r
}

func (p *parser) number() int {
	s := p.digits()
	if s == "" {
		p.errorf("expected number")
	}
	if len(s) > 1 && s[0] == '0' {
		p.errorf("invalid leading zero")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.errorf("parsing number %q: %s", s, err)
	}
	return v
}

func (p *parser) cidr(max int) int {
	v := p.number()
	if v > max {
		p.errorf("CIDR length %d out of range", v)
	}
	return v
}

// domainSpec parses a macro-string used as a domain target and
// validates its toplabel. withSlash is false for a and mx, whose
// domain is followed by an optional CIDR.
func (p *parser) domainSpec(withSlash bool) string {
	s := p.macroString(withSlash)

	// A spec ending in a macro expansion cannot be validated yet.
	for _, suffix := range []string{"%%", "%_", "%-", "}"} {
		if strings.HasSuffix(s, suffix) {
			return s
		}
	}

	labels := strings.Split(strings.TrimSuffix(s, "."), ".")
	top := labels[len(labels)-1]
	if top == "" {
		p.errorf("empty toplabel")
	}
	digits := 0
	for i, c := range top {
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			digits++
		case c == '-':
			if i == 0 || i == len(top)-1 {
				p.errorf("toplabel cannot start or end with dash")
			}
		default:
			p.errorf("invalid character in toplabel")
		}
	}
	if digits == len(top) {
		p.errorf("toplabel cannot be all digits")
	}
	return s
}

// macroString parses a macro-string, validating macro syntax without
// expanding it.
func (p *parser) macroString(withSlash bool) string {
	r := ""
	for !p.done() {
		w := p.oneOf("%{", "%%", "%_", "%-")
		if w == "" {
			b := p.s[p.o]
			if b > ' ' && b < 0x7f && b != '%' && (withSlash || b != '/') {
				r += string(b)
				p.o++
				continue
			}
			break
		}
		r += w
		if w != "%{" {
			continue
		}

		letter := p.oneOf("s", "l", "o", "d", "i", "p", "h", "c", "r", "t", "v")
		if letter == "" {
			p.errorf("unknown macro letter")
		}
		r += letter

		digits := p.digits()
		if digits != "" {
			if v, _ := strconv.Atoi(digits); v == 0 {
				p.errorf("zero labels not allowed in macro")
			}
		}
		r += digits

		if p.prefix("r") {
			r += "r"
		}
		for {
			delim := p.oneOf(".", "-", "+", ",", "/", "_", "=")
			if delim == "" {
				break
			}
			r += delim
		}
		r += p.need("}")
	}
	return r
}

func (p *parser) ip4() net.IP {
	octet := func() byte {
		v := p.number()
		if v > 255 {
			p.errorf("invalid IPv4 octet %d", v)
		}
		return byte(v)
	}
	a := octet()
	p.need(".")
	b := octet()
	p.need(".")
	c := octet()
	p.need(".")
	d := octet()
	return net.IPv4(a, b, c, d)
}

func (p *parser) ip6() net.IP {
	s := p.takeFn(func(c rune, i int) bool {
		return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' || c == ':' || c == '.'
	})
	ip := net.ParseIP(s)
	if ip == nil {
		p.errorf("invalid IPv6 address %q", s)
	}
	return ip
}

// lowerASCII lower-cases A-Z only.
func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 0x20
		}
	}
	return string(b)
}
