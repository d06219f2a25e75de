package spf

import (
	"net"
	"strings"
)

// Received is a Received-SPF header (RFC 7208 section 9.1), recording
// the outcome of the check for the message trace.
type Received struct {
	Result       Status
	Comment      string // Free text, rendered in parentheses.
	ClientIP     net.IP
	EnvelopeFrom string
	Helo         string
	Problem      string // Error detail, truncated when rendered.
	Mechanism    string // Directive that matched, or "default".
	Receiver     string
	Identity     string // "mailfrom" or "helo".
}

// Header renders the Received-SPF header including the trailing CRLF.
func (r Received) Header() string {
	var b strings.Builder
	b.WriteString("Received-SPF: ")
	b.WriteString(string(r.Result))
	if r.Comment != "" {
		b.WriteString(" (")
		b.WriteString(strings.NewReplacer("(", "", ")", "").Replace(r.Comment))
		b.WriteString(")")
	}
	writeKV := func(k, v string) {
		if v == "" {
			return
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(headerValue(v))
		b.WriteString(";")
	}
	writeKV("client-ip", r.ClientIP.String())
	writeKV("envelope-from", r.EnvelopeFrom)
	writeKV("helo", r.Helo)
	problem := r.Problem
	if len(problem) > 60 {
		problem = problem[:60]
	}
	writeKV("problem", problem)
	writeKV("mechanism", r.Mechanism)
	writeKV("receiver", r.Receiver)
	writeKV("identity", r.Identity)
	return strings.TrimSuffix(b.String(), ";") + "\r\n"
}

// headerValue quotes a value when it contains characters outside the
// dot-atom set.
func headerValue(s string) string {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~.@[]:", c):
		default:
			var b strings.Builder
			b.WriteByte('"')
			for _, c := range s {
				if c == '"' || c == '\\' {
					b.WriteByte('\\')
				}
				if c >= ' ' && c < 0x7f {
					b.WriteRune(c)
				}
			}
			b.WriteByte('"')
			return b.String()
		}
	}
	return s
}
