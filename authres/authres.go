// Package authres combines SPF, DKIM and DMARC verification for one
// inbound message and renders the outcome as an Authentication-Results
// header, RFC 8601.
package authres

import (
	"fmt"
	"strings"
)

// AuthResults is the header model: the receiving hostname
// (authserv-id) followed by one entry per method.
type AuthResults struct {
	Hostname string
	Methods  []AuthMethod
}

// AuthMethod is the result of one method, e.g.
// "spf=pass smtp.mailfrom=example.net".
type AuthMethod struct {
	Method  string // "spf", "dkim", "dmarc", "auth".
	Result  string // "pass", "fail", "temperror", ...
	Comment string // Rendered in parentheses after the result.
	Reason  string
	Props   []AuthProp
}

// AuthProp is one "type.property=value" annotation on a method.
type AuthProp struct {
	Type     string
	Property string
	Value    string

	// AddrLike values (localpart@domain, or a domain) are emitted
	// as-is; anything else is quoted when needed.
	AddrLike bool
}

// Header renders the full header, folded across lines, ending in
// CRLF.
func (r AuthResults) Header() string {
	var w headerWriter
	w.add("", "Authentication-Results: "+value(r.Hostname)+";")
	for i, m := range r.Methods {
		var tokens []string
		tokens = append(tokens, fmt.Sprintf("%s=%s", m.Method, m.Result))
		if m.Comment != "" {
			tokens = append(tokens, "("+m.Comment+")")
		}
		if m.Reason != "" {
			tokens = append(tokens, "reason="+value(m.Reason))
		}
		for _, p := range m.Props {
			v := p.Value
			if !p.AddrLike {
				v = value(v)
			}
			tokens = append(tokens, fmt.Sprintf("%s.%s=%s", p.Type, p.Property, v))
		}
		for j, t := range tokens {
			if j == len(tokens)-1 && i < len(r.Methods)-1 {
				t += ";"
			}
			w.add(" ", t)
		}
	}
	return w.String()
}

// value quotes s when it contains characters outside RFC 8601's token
// syntax. UTF-8 beyond ASCII passes through unquoted, RFC 6532.
func value(s string) string {
	quote := s == ""
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == 0x7f {
			quote = true
			break
		}
	}
	if !quote {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range s {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// headerWriter folds header tokens at 78 columns, continuation lines
// indented with a tab.
type headerWriter struct {
	b       strings.Builder
	lineLen int
	started bool
}

func (w *headerWriter) add(sep, text string) {
	if w.started && w.lineLen > 1 && w.lineLen+len(sep)+len(text) > 78 {
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

func (w *headerWriter) String() string {
	return w.b.String() + "\r\n"
}
